// Command shardd runs a member of a shardtx cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const forceExitAfter = 10 * time.Second

var configPath string

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		fmt.Fprintf(os.Stderr, "\ngot signal [%v], shutting down\n", sig)
		cancel()

		select {
		case <-sc:
			fmt.Fprintf(os.Stderr, "\ngot signal [%v] again, exiting\n", sig)
			os.Exit(1)
		case <-time.After(forceExitAfter):
			fmt.Fprintf(os.Stderr, "\nnot closed after %s, exiting\n", forceExitAfter)
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()

	rootCmd := &cobra.Command{
		Use:          "shardd",
		Short:        "Sharded transactional data tree",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path of the YAML configuration")

	rootCmd.AddCommand(
		newServeCommand(),
		newBenchCommand(),
	)

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	closeDone <- struct{}{}
	if err != nil {
		os.Exit(1)
	}
}
