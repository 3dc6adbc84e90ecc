package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewandler/shardtx/core/app"
	"github.com/codewandler/shardtx/core/datatree"
	"github.com/codewandler/shardtx/internal/config"
)

type benchOptions struct {
	Transactions int
	Workers      int
	Writes       int
	Keys         int
	ReportEvery  int
	Timeout      time.Duration
}

func newBenchCommand() *cobra.Command {
	o := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Join as a member and commit transactions as fast as possible",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// the default creation limit would cap the benchmark
			cfg.Client.TxCreationRate = -1
			return bench(cmd.Context(), cfg, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.Transactions, "transactions", "n", 50_000, "transactions to commit")
	f.IntVarP(&o.Workers, "workers", "w", runtime.NumCPU(), "concurrent clients")
	f.IntVar(&o.Writes, "writes", 4, "writes per transaction")
	f.IntVar(&o.Keys, "keys", 1024, "distinct top-level keys written")
	f.IntVarP(&o.ReportEvery, "report", "r", 1_000, "transactions per progress line")
	f.DurationVar(&o.Timeout, "timeout", 2*time.Minute, "overall time limit")
	return cmd
}

type benchResult struct {
	Committed uint64
	Failed    uint64
	Took      time.Duration
}

func bench(ctx context.Context, cfg *config.Config, o benchOptions, out io.Writer) error {
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	connect := natsConnector(cfg)
	transport, err := newTransport(cfg, log, connect)
	if err != nil {
		return err
	}
	defer transport.Close()

	a, err := app.Run(appConfig(ctx, cfg, log, transport, newReplication(cfg, log, connect)))
	if err != nil {
		return err
	}
	defer a.Stop()

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	fmt.Fprintf(out, "member: %s, shards: %v, replication: %s\n", cfg.Member, cfg.Shards, cfg.Replication.Kind)
	res := runBench(ctx, a, o, out)

	fmt.Fprintln(out, "==========================================")
	fmt.Fprintf(out, "total runtime: %.3f seconds\n", res.Took.Seconds())
	fmt.Fprintf(out, "    committed: %d\n", res.Committed)
	fmt.Fprintf(out, "       failed: %d\n", res.Failed)
	fmt.Fprintf(out, "   avg. txn/s: %d\n", int(float64(res.Committed)/res.Took.Seconds()))
	return nil
}

// runBench commits o.Transactions transactions through a's client from
// o.Workers goroutines, each writing o.Writes keys.
func runBench(ctx context.Context, a *app.App, o benchOptions, out io.Writer) benchResult {
	var (
		next      atomic.Int64
		committed atomic.Uint64
		failed    atomic.Uint64
		wg        sync.WaitGroup

		reportMu sync.Mutex
		lastTime = time.Now()
	)
	startAt := time.Now()

	report := func(done uint64) {
		if o.ReportEvery <= 0 || done%uint64(o.ReportEvery) != 0 {
			return
		}
		reportMu.Lock()
		defer reportMu.Unlock()
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		n := time.Now()
		took := n.Sub(lastTime)
		fmt.Fprintf(out, "| %7d txn | %6d ms | %7d txn/s | (%d / %d) MiB mem (sys) |\n",
			done, took.Milliseconds(), int(float64(o.ReportEvery)/took.Seconds()), m.Alloc/1024/1024, m.Sys/1024/1024)
		lastTime = n
	}

	for range max(o.Workers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1)
				if i > int64(o.Transactions) || ctx.Err() != nil {
					return
				}
				if err := commitOne(ctx, a, i, o); err != nil {
					failed.Add(1)
					a.Log().Debug("bench transaction failed", slog.Any("error", err))
					continue
				}
				report(committed.Add(1))
			}
		}()
	}
	wg.Wait()

	return benchResult{Committed: committed.Load(), Failed: failed.Load(), Took: time.Since(startAt)}
}

func commitOne(ctx context.Context, a *app.App, i int64, o benchOptions) error {
	tx, err := a.Client().NewTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	keys := max(o.Keys, 1)
	for w := range o.Writes {
		k := (int(i)*o.Writes + w) % keys
		p := datatree.MustPath(fmt.Sprintf("/k%d/v", k))
		if err := tx.Write(ctx, p, []byte(fmt.Sprint(i))); err != nil {
			return err
		}
	}
	return tx.Submit(ctx)
}
