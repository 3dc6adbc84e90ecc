package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	promadapter "github.com/codewandler/shardtx/adapters/prometheus"
	"github.com/codewandler/shardtx/core/app"
	"github.com/codewandler/shardtx/core/shard"
	"github.com/codewandler/shardtx/internal/config"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run this member until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	connect := natsConnector(cfg)
	transport, err := newTransport(cfg, log, connect)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer transport.Close()

	appCfg := appConfig(ctx, cfg, log, transport, newReplication(cfg, log, connect))

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := promadapter.NewAllMetrics(reg)
		appCfg.Metrics = app.Metrics{Actor: m.Actor, Cluster: m.Cluster, Shard: m.Shard, Client: m.Client}
	}

	a, err := app.Run(appCfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           statusHandler(cfg, a, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", slog.Any("error", err))
		}
	}()
	log.Info("shardd running",
		slog.String("member", cfg.Member),
		slog.String("transport", cfg.Transport.Kind),
		slog.String("replication", cfg.Replication.Kind),
		slog.String("status_addr", cfg.Metrics.Addr),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return a.Shutdown(shutdownCtx)
}

// shardStatus is one hosted replica as served on /shards.
type shardStatus struct {
	Name  string      `json:"name"`
	Stats shard.Stats `json:"stats"`
}

func statusHandler(cfg *config.Config, a *app.App, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	if reg != nil {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/shards", func(w http.ResponseWriter, _ *http.Request) {
		hosted := a.Shards()
		out := make([]shardStatus, 0, len(hosted))
		for name, s := range hosted {
			out = append(out, shardStatus{Name: name, Stats: s.Stats()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}
