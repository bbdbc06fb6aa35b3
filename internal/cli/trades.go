// =================================
// File: internal/cli/trades.go
// =================================
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTradesCmd(rc *rootConfig) *cobra.Command {
	var showMetrics bool

	cmd := &cobra.Command{
		Use:   "trades <wallet>",
		Short: "Fetch and print a wallet's swap history",
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

			log := a.log.WithOperation("trades")

			result, err := a.service.Trades(ctx, wallet)
			if err != nil {
				return fmt.Errorf("fetch trades: %w", err)
			}

			log.Info("Trades fetched",
				zap.String("wallet", wallet),
				zap.Int("trades", result.Metrics.TradeCount),
				zap.Int("failed_batches", result.Metrics.FailedBatches))

			if showMetrics {
				return printJSON(result.Metrics)
			}
			return printJSON(result.Trades)
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print fetch metrics instead of trades")

	return cmd
}
