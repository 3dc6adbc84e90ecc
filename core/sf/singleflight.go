package sf

import "golang.org/x/sync/singleflight"

// Group collapses concurrent calls sharing a key into one. The zero value
// is ready to use.
type Group[V any] struct {
	g singleflight.Group
}

// Do runs fn unless a call for key is in flight, in which case it waits for
// that call and returns its result.
func (s *Group[V]) Do(key string, fn func() (V, error)) (V, error) {
	v, err, _ := s.g.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Forget makes the next Do for key run fn even if a call is in flight.
func (s *Group[V]) Forget(key string) { s.g.Forget(key) }
