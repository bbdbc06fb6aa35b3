// =================================
// File: internal/helius/signatures.go
// =================================
package helius

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FetchSignatures pages through an address's full transaction history,
// newest first. Pages are fetched strictly sequentially: each request's
// cursor is the last signature of the previous page, so a page error is
// retried rather than skipped, and an exhausted retry budget fails the
// whole fetch instead of returning a list with a hole in it.
func (c *Client) FetchSignatures(ctx context.Context, address string, pageSize int) ([]SignatureInfo, error) {
	var all []SignatureInfo
	var before string

	for page := 0; ; page++ {
		infos, err := c.Signatures(ctx, address, before, pageSize)
		if err != nil {
			return nil, fmt.Errorf("signature page %d: %w", page, err)
		}
		if len(infos) == 0 {
			break
		}

		all = append(all, infos...)
		before = infos[len(infos)-1].Signature

		c.logger.Debug("Fetched signature page",
			zap.Int("page", page),
			zap.Int("page_len", len(infos)),
			zap.Int("total", len(all)))

		if len(infos) < pageSize {
			break
		}
	}

	c.logger.Info("Signature history fetched",
		zap.String("address", address),
		zap.Int("signatures", len(all)))

	return all, nil
}
