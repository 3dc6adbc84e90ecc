// Package cache provides a typed LRU cache with per-entry expiry, safe for
// concurrent use.
//
// Cluster nodes keep the repliers of requests awaiting a reply in it, keyed
// by correlation id, and shard leaders keep the outcome of recently aborted
// transactions:
//
//	pending := cache.NewLRU[shard.Replier](cache.LRUOpts{Size: 100_000})
//	defer pending.Close()
//
//	pending.Put(corr, replier, 2*time.Minute)
//	if r, ok := pending.Take(corr); ok {
//	    r.Reply(msg)
//	}
//
// Expired entries are evicted when they are looked up or pushed out by
// newer ones.
package cache
