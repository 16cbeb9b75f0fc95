// Package main is the entrypoint for txpoold, the pooled connection and
// XA transaction coordinator daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "txpoold",
		Short:         "Connection pools with XA two-phase commit coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/txpool.yaml", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(),
		newRecoverCommand(),
		newLoadgenCommand(),
		newXALogCommand(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "txpoold:", err)
		stop()
		os.Exit(1)
	}
}
