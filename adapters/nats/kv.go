package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

type KvConfig struct {
	// JetStream is used when set; otherwise Connect opens a connection.
	JetStream jetstream.JetStream
	Connect   Connector
	Bucket    string
	// Replicas of the bucket, 1 when zero.
	Replicas int
}

// KvStore keeps JSON values in a JetStream key-value bucket.
type KvStore[T any] struct {
	kv jetstream.KeyValue
}

func NewKvStore[T any](ctx context.Context, cfg KvConfig) (*KvStore[T], error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	js := cfg.JetStream
	if js == nil {
		doConnect := cfg.Connect
		if doConnect == nil {
			doConnect = ConnectDefault()
		}
		nc, _, err := doConnect()
		if err != nil {
			return nil, err
		}
		if js, err = jetstream.New(nc); err != nil {
			return nil, err
		}
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		Replicas: max(1, cfg.Replicas),
	})
	if err != nil {
		return nil, fmt.Errorf("nats: key-value bucket %s: %w", cfg.Bucket, err)
	}
	return &KvStore[T]{kv: kv}, nil
}

func (k *KvStore[T]) Set(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = k.kv.Put(ctx, key, data)
	return err
}

func (k *KvStore[T]) Get(ctx context.Context, key string) (out T, err error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, ErrKeyNotFound
		}
		return out, fmt.Errorf("get %s: %w", key, err)
	}
	err = json.Unmarshal(v.Value(), &out)
	return out, err
}

func (k *KvStore[T]) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
