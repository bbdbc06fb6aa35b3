// =================================
// File: internal/cli/positions.go
// =================================
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPositionsCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions <wallet>",
		Short: "Replay a wallet's trades into open positions",
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

			log := a.log.WithOperation("positions")

			positions, report, err := a.service.Positions(ctx, wallet)
			if err != nil {
				return fmt.Errorf("build positions: %w", err)
			}

			// A nil report means the cached copy answered.
			if report != nil {
				log.Info("Positions built",
					zap.String("wallet", wallet),
					zap.Int("open_positions", len(positions)),
					zap.String("realized_pnl_usd", report.RealizedPnLUSD.String()))
				for _, mint := range report.InsufficientHistory {
					log.Warn("Cost basis incomplete for mint", zap.String("mint", mint))
				}
			} else {
				log.Info("Positions served from cache",
					zap.String("wallet", wallet),
					zap.Int("open_positions", len(positions)))
			}

			return printJSON(positions)
		},
	}

	return cmd
}
