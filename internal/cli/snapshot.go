// =================================
// File: internal/cli/snapshot.go
// =================================
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSnapshotCmd(rc *rootConfig) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "snapshot <wallet>",
		Short: "Print a wallet's marked positions, served from cache when fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet := args[0]

			a, err := buildApp(rc)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.watchProgress(ctx)

			log := a.log.WithOperation("snapshot")

			if force {
				a.service.Invalidate(ctx, wallet)
			}

			snap, cached, err := a.service.Snapshot(ctx, wallet)
			if err != nil {
				return fmt.Errorf("build snapshot: %w", err)
			}

			log.Info("Snapshot served",
				zap.String("wallet", wallet),
				zap.Bool("from_cache", cached),
				zap.Int("positions", len(snap.Positions)))

			return printJSON(snap)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Drop the cached snapshot and rebuild")

	return cmd
}
