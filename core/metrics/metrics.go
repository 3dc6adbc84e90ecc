// Package metrics holds the instrumentation hooks core packages report
// through. Backends, such as adapters/prometheus, implement them.
package metrics

import "time"

// Timer measures one operation, from its creation until ObserveDuration.
type Timer interface {
	ObserveDuration()
}

type timer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t *timer) ObserveDuration() { t.observe(time.Since(t.start)) }

// StartTimer starts a Timer reporting the elapsed time to observe.
func StartTimer(observe func(time.Duration)) Timer {
	return &timer{start: time.Now(), observe: observe}
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
