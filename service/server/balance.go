package server

import (
	"context"
	"time"
)

// StartBalancePoller exports each pool entry's lamport balance as a gauge,
// refreshed on the metrics scrape interval. Returns immediately when the
// feature is disabled; otherwise runs until ctx is cancelled.
func (s *Server) StartBalancePoller(ctx context.Context) {
	if s.metrics == nil || !s.cfg.Metrics.FeePayerBalance.Enabled {
		return
	}
	interval := time.Duration(s.cfg.Metrics.ScrapeInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.pollBalances(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollBalances(ctx)
			}
		}
	}()
}

func (s *Server) pollBalances(ctx context.Context) {
	for _, entry := range s.pool.Entries() {
		balance, err := s.chain.Balance(ctx, entry.PublicKey())
		if err != nil {
			s.logger.WarnContext(ctx, "failed to fetch fee payer balance",
				"signer", entry.Name, "error", err)
			continue
		}
		s.metrics.SetFeePayerBalance(entry.Name, entry.PublicKey().String(), balance)
	}
}
