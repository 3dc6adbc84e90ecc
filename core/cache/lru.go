package cache

import (
	"container/list"
	"sync"
	"time"
)

const DefaultSize = 128

type LRUOpts struct {
	Size int
	// Now is the clock used for expiry, time.Now by default.
	Now func() time.Time
}

type entry[V any] struct {
	key       string
	val       V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type lookup[V any] struct {
	key  string
	take bool
	resp chan result[V]
}

type result[V any] struct {
	val V
	ok  bool
}

type put[V any] struct {
	key string
	val V
	ttl time.Duration
}

// LRU is a bounded map evicting the least recently used key. One goroutine
// owns the entries; every call is a message to it.
type LRU[V any] struct {
	now    func() time.Time
	getCh  chan lookup[V]
	putCh  chan put[V]
	delCh  chan string
	lenCh  chan chan int
	done   chan struct{}
	closed sync.Once
}

func NewLRU[V any](opts LRUOpts) *LRU[V] {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &LRU[V]{
		now:   opts.Now,
		getCh: make(chan lookup[V]),
		putCh: make(chan put[V]),
		delCh: make(chan string),
		lenCh: make(chan chan int),
		done:  make(chan struct{}),
	}
	go l.run(opts.Size)
	return l
}

func (l *LRU[V]) lookup(key string, take bool) (V, bool) {
	resp := make(chan result[V], 1)
	select {
	case l.getCh <- lookup[V]{key: key, take: take, resp: resp}:
	case <-l.done:
		var zero V
		return zero, false
	}
	r := <-resp
	return r.val, r.ok
}

// Get returns the value of key and marks it recently used.
func (l *LRU[V]) Get(key string) (V, bool) { return l.lookup(key, false) }

// Take removes key and returns its value, so of concurrent callers only one
// gets it.
func (l *LRU[V]) Take(key string) (V, bool) { return l.lookup(key, true) }

// Put stores val under key. A positive ttl expires it; zero keeps it until
// evicted.
func (l *LRU[V]) Put(key string, val V, ttl time.Duration) {
	select {
	case l.putCh <- put[V]{key: key, val: val, ttl: ttl}:
	case <-l.done:
	}
}

func (l *LRU[V]) Delete(key string) {
	select {
	case l.delCh <- key:
	case <-l.done:
	}
}

// Len counts stored entries, expired ones not yet evicted included.
func (l *LRU[V]) Len() int {
	resp := make(chan int, 1)
	select {
	case l.lenCh <- resp:
	case <-l.done:
		return 0
	}
	return <-resp
}

// Close stops the owning goroutine. Later calls find nothing.
func (l *LRU[V]) Close() {
	l.closed.Do(func() { close(l.done) })
}

func (l *LRU[V]) run(size int) {
	ll := list.New()
	index := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(index, ele.Value.(*entry[V]).key)
	}

	for {
		select {
		case <-l.done:
			return

		case req := <-l.getCh:
			ele, ok := index[req.key]
			if ok && ele.Value.(*entry[V]).expired(l.now()) {
				remove(ele)
				ok = false
			}
			if !ok {
				req.resp <- result[V]{}
				continue
			}
			e := ele.Value.(*entry[V])
			if req.take {
				remove(ele)
			} else {
				ll.MoveToFront(ele)
			}
			req.resp <- result[V]{val: e.val, ok: true}

		case req := <-l.putCh:
			var expiresAt time.Time
			if req.ttl > 0 {
				expiresAt = l.now().Add(req.ttl)
			}
			if ele, ok := index[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry[V])
				e.val, e.expiresAt = req.val, expiresAt
				continue
			}
			index[req.key] = ll.PushFront(&entry[V]{key: req.key, val: req.val, expiresAt: expiresAt})
			if ll.Len() > size {
				remove(ll.Back())
			}

		case key := <-l.delCh:
			if ele, ok := index[key]; ok {
				remove(ele)
			}

		case resp := <-l.lenCh:
			resp <- ll.Len()
		}
	}
}
