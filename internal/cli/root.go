// =================================
// File: internal/cli/root.go
// =================================
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootConfig struct {
	configPath string
	debug      bool
}

func NewRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "pnl",
		Short:         "Wallet P&L — swap history, positions and profit tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.configPath, "config", "", "Path to config file (optional)")
	cmd.PersistentFlags().BoolVar(&rc.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newTradesCmd(rc),
		newPositionsCmd(rc),
		newSnapshotCmd(rc),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pnl (dev)")
		},
	})

	return cmd
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
