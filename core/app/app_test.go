package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardtx/core/cluster"
	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/core/shard"
)

func runApp(t *testing.T, cfg Config) *App {
	t.Helper()
	if cfg.Context == nil {
		cfg.Context = t.Context()
	}
	app, err := Run(cfg)
	require.NoError(t, err)
	t.Cleanup(app.Stop)
	return app
}

func awaitLeaders(t *testing.T, apps ...*App) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range apps {
			for _, s := range a.Shards() {
				if s.Role() != shard.Leader {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func write(t *testing.T, a *App, kv map[string]string) {
	t.Helper()
	tx, err := a.Client().NewTransaction(t.Context())
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, tx.Write(t.Context(), datatree.MustPath(k), []byte(v)))
	}
	require.NoError(t, tx.Submit(t.Context()))
}

func read(t *testing.T, a *App, path string) (string, bool) {
	t.Helper()
	tx, err := a.Client().NewTransaction(t.Context())
	require.NoError(t, err)
	defer tx.Close()
	v, ok, err := tx.Read(t.Context(), datatree.MustPath(path))
	require.NoError(t, err)
	return string(v), ok
}

func TestApp(t *testing.T) {
	app := runApp(t, Config{})
	awaitLeaders(t, app)
	require.Contains(t, app.Shards(), DefaultShard)

	write(t, app, map[string]string{"/a": "1", "/b": "2"})

	v, ok := read(t, app, "/a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestApp_Node(t *testing.T) {
	app := runApp(t, Config{Member: "m1"})
	require.NotNil(t, app.Node(), "Node() should be accessible")
	require.Equal(t, "m1", app.Node().Member())
	require.Equal(t, "m1", app.Member())
}

func TestApp_TwoMembersSplitShards(t *testing.T) {
	transport := cluster.NewInMemoryTransport()
	cfg := func(member string) Config {
		return Config{
			Member:    member,
			Members:   []string{"m1", "m2"},
			Shards:    []string{"s1", "s2", "s3", "s4"},
			Replicas:  1,
			Seed:      "split",
			Transport: transport,
		}
	}
	a1 := runApp(t, cfg("m1"))
	a2 := runApp(t, cfg("m2"))
	awaitLeaders(t, a1, a2)

	hosted := map[string]string{}
	for _, a := range []*App{a1, a2} {
		for name := range a.Shards() {
			require.NotContains(t, hosted, name, "shard %s hosted twice", name)
			hosted[name] = a.Member()
		}
	}
	require.Len(t, hosted, 4)

	kv := map[string]string{}
	for i := range 8 {
		kv[fmt.Sprintf("/k%d", i)] = fmt.Sprint(i)
	}
	write(t, a1, kv)

	for k, want := range kv {
		v, ok := read(t, a2, k)
		require.True(t, ok, k)
		require.Equal(t, want, v, k)
	}
}

func TestApp_Stop(t *testing.T) {
	app, err := Run(Config{})
	require.NoError(t, err)

	app.Stop()
	require.Empty(t, app.Shards())

	// Should be idempotent
	app.Stop()

	select {
	case <-app.Done():
		// ok
	case <-time.After(time.Second):
		t.Fatal("Done() should be closed after Stop")
	}
}

func TestApp_Shutdown(t *testing.T) {
	app, err := Run(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, app.Shutdown(ctx))

	select {
	case <-app.Done():
	default:
		t.Fatal("Done() should be closed after Shutdown")
	}
}

func TestApp_ReplicationErrorFailsRun(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(Config{
		Context: t.Context(),
		Replication: func(context.Context, shard.ShardIdentity, []string) (Log, error) {
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)
}

// compactingLog counts compactions of a local log.
type compactingLog struct {
	Log
	n *atomic.Int32
}

func (l compactingLog) Compact(context.Context) error {
	l.n.Add(1)
	return nil
}

func TestApp_CompactsLogs(t *testing.T) {
	var n atomic.Int32
	local := LocalReplication()
	app := runApp(t, Config{
		CompactionInterval: 10 * time.Millisecond,
		Replication: func(ctx context.Context, id shard.ShardIdentity, members []string) (Log, error) {
			l, err := local(ctx, id, members)
			if err != nil {
				return nil, err
			}
			return compactingLog{Log: l, n: &n}, nil
		},
	})
	awaitLeaders(t, app)
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSelfElect(t *testing.T) {
	s := shard.New(shard.Options{Identity: shard.NewShardIdentity("m1", "x"), TimeoutCheckInterval: -1})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(t.Context()))
	require.NoError(t, SelfElect(t.Context(), s))
	require.Eventually(t, func() bool { return s.Role() == shard.Leader }, time.Second, 5*time.Millisecond)
	require.Equal(t, "m1", s.Stats().Leader)
}

func TestLocalReplication_Close(t *testing.T) {
	id := shard.NewShardIdentity("m1", "x")
	s := shard.New(shard.Options{Identity: id, TimeoutCheckInterval: -1})
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(t.Context()))

	log, err := LocalReplication()(t.Context(), id, []string{"m1"})
	require.NoError(t, err)
	require.NoError(t, log.Start(t.Context(), s))

	require.NoError(t, log.Close())
	require.ErrorIs(t, log.Replicate(t.Context(), shard.TransactionIdentifier{}, []byte("x")), shard.ErrReplicatorClosed)
}
