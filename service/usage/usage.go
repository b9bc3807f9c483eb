// Package usage bounds how many transactions a single end-user wallet may
// have sponsored. Counters live in a shared backend so multiple instances
// enforce one limit.
package usage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/txn"
)

// Store is the counter backend. The Redis cache backend satisfies this;
// MemoryStore is the single-instance fallback.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// MemoryStore is an in-process counter store for single-instance
// deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

// Limiter enforces the per-wallet transaction cap.
type Limiter struct {
	cfg    *config.UsageLimitConfig
	store  Store
	logger *slog.Logger
}

// NewLimiter wires the limiter; a disabled config yields a no-op limiter.
func NewLimiter(cfg *config.UsageLimitConfig, store Store, logger *slog.Logger) *Limiter {
	return &Limiter{cfg: cfg, store: store, logger: logger}
}

// WalletFor extracts the end-user wallet a transaction is attributed to:
// the first required signer that is not the operator fee payer. Returns
// false when the operator is the only signer.
func WalletFor(r *txn.ResolvedTransaction, feePayer solana.PublicKey) (solana.PublicKey, bool) {
	for _, signer := range r.Signers() {
		if !signer.Equals(feePayer) {
			return signer, true
		}
	}
	return solana.PublicKey{}, false
}

// CheckAndIncrement counts one sponsored transaction against the wallet and
// rejects once the cap is exceeded. Store failures fall back open or closed
// per config.
func (l *Limiter) CheckAndIncrement(ctx context.Context, wallet solana.PublicKey) error {
	if !l.cfg.Enabled || l.cfg.MaxTransactions == 0 {
		return nil
	}
	count, err := l.store.Incr(ctx, "usage:"+wallet.String())
	if err != nil {
		if l.cfg.FallbackIfUnavailable {
			l.logger.WarnContext(ctx, "usage store unavailable, allowing transaction",
				"wallet", wallet.String(), "error", err)
			return nil
		}
		return apierr.Wrap(apierr.KindInternal, err, "usage store unavailable")
	}
	if uint64(count) > l.cfg.MaxTransactions {
		return apierr.New(apierr.KindUsageLimitExceeded,
			"wallet %s exceeded its limit of %d sponsored transactions", wallet, l.cfg.MaxTransactions)
	}
	return nil
}
