package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	promadapter "github.com/codewandler/shardtx/adapters/prometheus"
	"github.com/codewandler/shardtx/core/app"
	"github.com/codewandler/shardtx/core/cluster"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Member = "m1"
	cfg.Members = []string{"m1"}
	cfg.Shards = []string{"s1", "s2"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func runTestApp(t *testing.T, cfg *config.Config, metrics app.Metrics) *app.App {
	t.Helper()
	var buf bytes.Buffer
	log, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	transport, err := newTransport(cfg, log, natsConnector(cfg))
	require.NoError(t, err)
	ac := appConfig(t.Context(), cfg, log, transport, newReplication(cfg, log, nil))
	ac.Metrics = metrics
	a, err := app.Run(ac)
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	require.Eventually(t, func() bool {
		for _, s := range a.Shards() {
			if s.Role() != shard.Leader {
				return false
			}
		}
		return len(a.Shards()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	return a
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"

	var buf bytes.Buffer
	log, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	log.Debug("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])

	cfg.Logging.Level = "loud"
	_, err = newLogger(cfg, &buf)
	require.Error(t, err)
}

func TestNewTransport_DefaultsToMemory(t *testing.T) {
	cfg := testConfig(t)
	tr, err := newTransport(cfg, nil, natsConnector(cfg))
	require.NoError(t, err)
	require.IsType(t, &cluster.MemoryTransport{}, tr)
	require.Nil(t, natsConnector(cfg))

	tr, err = newTransport(cfg, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestClientOptions(t *testing.T) {
	o := clientOptions(config.ClientConfig{
		OperationTimeout:         time.Second,
		CommitTimeout:            2 * time.Second,
		BatchedModificationCount: 7,
		TxCreationRate:           50,
	})
	assert.Equal(t, time.Second, o.OperationTimeout)
	assert.Equal(t, 2*time.Second, o.CommitTimeout)
	assert.Equal(t, 7, o.BatchedModificationCount)
	assert.Equal(t, rate.Limit(50), o.TxCreationRate)

	o = clientOptions(config.ClientConfig{TxCreationRate: -1})
	assert.Equal(t, rate.Inf, o.TxCreationRate)
}

func TestShardOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shard.StashCapacity = 9
	o := shardOptions(cfg.Shard)
	assert.Equal(t, cfg.Shard.TransactionCommitTimeout, o.TransactionCommitTimeout)
	assert.Equal(t, cfg.Shard.CommitQueueCapacity, o.CommitQueueCapacity)
	assert.Equal(t, cfg.Shard.RecoveryBatchSize, o.RecoveryBatchSize)
	assert.Equal(t, 9, o.StashCapacity)
}

func TestRunBench_Local(t *testing.T) {
	cfg := testConfig(t)
	cfg.Client.TxCreationRate = -1
	a := runTestApp(t, cfg, app.Metrics{})

	var out bytes.Buffer
	res := runBench(t.Context(), a, benchOptions{
		Transactions: 40,
		Workers:      4,
		Writes:       3,
		Keys:         1024,
		ReportEvery:  10,
	}, &out)
	require.Equal(t, uint64(40), res.Committed)
	require.Zero(t, res.Failed)
	require.Contains(t, out.String(), "txn/s")
}

func TestStatusHandler(t *testing.T) {
	cfg := testConfig(t)
	reg := prometheus.NewRegistry()
	m := promadapter.NewAllMetrics(reg)
	a := runTestApp(t, cfg, app.Metrics{Actor: m.Actor, Cluster: m.Cluster, Shard: m.Shard, Client: m.Client})

	srv := httptest.NewServer(statusHandler(cfg, a, reg))
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, string(body)
	}

	code, _ := get("/healthz")
	require.Equal(t, http.StatusOK, code)

	code, body := get("/shards")
	require.Equal(t, http.StatusOK, code)
	var shards []shardStatus
	require.NoError(t, json.Unmarshal([]byte(body), &shards))
	require.Len(t, shards, 2)
	require.Equal(t, "s1", shards[0].Name)
	require.Equal(t, shard.Leader, shards[0].Stats.Role)

	code, body = get(cfg.Metrics.Path)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "shardtx_shard_role")
}
