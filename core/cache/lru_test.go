package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clock is a manual time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLRU[V any](t *testing.T, size int) (*LRU[V], *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l := NewLRU[V](LRUOpts{Size: size, Now: c.Now})
	t.Cleanup(l.Close)
	return l, c
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l, _ := newLRU[int](t, 2)

	l.Put("a", 1, 0)
	l.Put("b", 2, 0)

	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	l.Put("c", 3, 0) // b is the least recently used

	_, ok = l.Get("b")
	require.False(t, ok)
	v, ok = l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, l.Len())
}

func TestLRU_PutReplaces(t *testing.T) {
	l, _ := newLRU[string](t, 2)

	l.Put("a", "x", 0)
	l.Put("a", "y", 0)

	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, "y", v)
	require.Equal(t, 1, l.Len())
}

func TestLRU_Take(t *testing.T) {
	l, _ := newLRU[int](t, 1000)
	l.Put("k", 7, 0)

	var (
		got atomic.Int32
		wg  sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.Take("k"); ok {
				got.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), got.Load(), "exactly one caller takes the entry")
	require.Zero(t, l.Len())
}

func TestLRU_Delete(t *testing.T) {
	l, _ := newLRU[int](t, 2)
	l.Put("a", 1, 0)
	l.Put("b", 2, 0)

	l.Delete("a")
	l.Delete("missing")

	_, ok := l.Get("a")
	require.False(t, ok)
	v, ok := l.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRU_TTL(t *testing.T) {
	l, c := newLRU[int](t, 2)

	l.Put("a", 1, 50*time.Millisecond)
	l.Put("b", 2, 0)

	_, ok := l.Get("a")
	require.True(t, ok)

	c.Advance(60 * time.Millisecond)

	_, ok = l.Get("a")
	require.False(t, ok, "expired")
	_, ok = l.Take("a")
	require.False(t, ok)
	_, ok = l.Get("b")
	require.True(t, ok, "no ttl")

	// a refreshed ttl counts from the last put
	l.Put("c", 3, 50*time.Millisecond)
	c.Advance(30 * time.Millisecond)
	l.Put("c", 4, 50*time.Millisecond)
	c.Advance(30 * time.Millisecond)
	v, ok := l.Get("c")
	require.True(t, ok)
	require.Equal(t, 4, v)
}

func TestLRU_Concurrent(t *testing.T) {
	l, _ := newLRU[int](t, 100)

	var wg sync.WaitGroup
	for w := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 1000 {
				key := fmt.Sprintf("k%d", (w*j)%150)
				l.Put(key, j, 0)
				l.Get(key)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 100)
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU[int](LRUOpts{Size: 2})
	l.Put("a", 1, 0)
	l.Close()
	l.Close()

	// nothing blocks after close
	_, ok := l.Get("a")
	require.False(t, ok)
	l.Put("b", 2, 0)
	l.Delete("a")
	require.Zero(t, l.Len())
}

func TestLRU_DefaultSize(t *testing.T) {
	l, _ := newLRU[int](t, 0)
	for i := range DefaultSize + 1 {
		l.Put(fmt.Sprint(i), i, 0)
	}
	require.Equal(t, DefaultSize, l.Len())
	_, ok := l.Get("0")
	require.False(t, ok, "oldest evicted")
}
