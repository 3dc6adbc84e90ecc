// Package sf is a typed wrapper over golang.org/x/sync/singleflight.
//
// The transaction client uses it so that a burst of transactions touching
// a shard with no known leader triggers a single replica lookup:
//
//	var lookups sf.Group[shard.Ref]
//	ref, err := lookups.Do(shardName, func() (shard.Ref, error) {
//	    return locator.Locate(ctx, shardName)
//	})
package sf
