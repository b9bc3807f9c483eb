package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/metrics"
)

// ChainFetcher is the fallback for cache misses.
type ChainFetcher interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (*chain.Account, error)
}

// Accounts is the fetch-through store for account data. Entries carry short
// TTLs since account state changes underneath us; a miss falls back to the
// chain RPC, retried once on transient failure.
type Accounts struct {
	cache   Cache
	chain   ChainFetcher
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// cachedAccount is the serialized form stored in the cache. The fetched-at
// stamp is informational; expiry is enforced by the backend TTL.
type cachedAccount struct {
	Owner     solana.PublicKey `json:"owner"`
	Lamports  uint64           `json:"lamports"`
	Data      []byte           `json:"data"`
	FetchedAt int64            `json:"fetched_at"`
}

// NewAccounts creates the account store. ttl bounds how stale served
// account data may be.
func NewAccounts(c Cache, fetcher ChainFetcher, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Accounts {
	return &Accounts{
		cache:   c,
		chain:   fetcher,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

func accountKey(key solana.PublicKey) string {
	return "account:" + key.String()
}

// Get returns the account's state, served from cache within the TTL. With
// bypassCache the chain is always consulted and the cache refreshed.
func (a *Accounts) Get(ctx context.Context, key solana.PublicKey, bypassCache bool) (*chain.Account, error) {
	ck := accountKey(key)

	if !bypassCache {
		if raw, err := a.cache.Get(ctx, ck); err == nil {
			var entry cachedAccount
			if err := json.Unmarshal(raw, &entry); err == nil {
				a.metrics.RecordCacheOperation("account_get", "hit")
				return &chain.Account{Owner: entry.Owner, Lamports: entry.Lamports, Data: entry.Data}, nil
			}
			// Corrupt entry: drop it and refetch.
			_ = a.cache.Delete(ctx, ck)
		} else if !IsMiss(err) {
			a.logger.WarnContext(ctx, "cache read failed, falling back to RPC", "key", ck, "error", err)
		}
		a.metrics.RecordCacheOperation("account_get", "miss")
	}

	acct, err := a.chain.GetAccount(ctx, key)
	if err != nil && !chain.IsNotFound(err) {
		// One internal retry against the chain before surfacing.
		acct, err = a.chain.GetAccount(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	entry := cachedAccount{
		Owner:     acct.Owner,
		Lamports:  acct.Lamports,
		Data:      acct.Data,
		FetchedAt: time.Now().Unix(),
	}
	if raw, err := json.Marshal(entry); err == nil {
		if err := a.cache.Set(ctx, ck, raw, a.ttl); err != nil {
			a.logger.WarnContext(ctx, "cache write failed", "key", ck, "error", err)
		}
	}
	return acct, nil
}

// AccountData returns the raw data bytes of an account, satisfying the
// resolver's AccountSource.
func (a *Accounts) AccountData(ctx context.Context, key solana.PublicKey) ([]byte, error) {
	acct, err := a.Get(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return acct.Data, nil
}

// MintDecimals returns a mint's decimals via the cached account data.
func (a *Accounts) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	acct, err := a.Get(ctx, mint, false)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch mint %s: %w", mint, err)
	}
	if len(acct.Data) < 45 {
		return 0, fmt.Errorf("mint %s has malformed data", mint)
	}
	return acct.Data[44], nil
}

// Invalidate drops a cached account so the next read refetches.
func (a *Accounts) Invalidate(ctx context.Context, key solana.PublicKey) {
	if err := a.cache.Delete(ctx, accountKey(key)); err != nil {
		a.logger.WarnContext(ctx, "cache invalidate failed", "account", key.String(), "error", err)
	}
	a.metrics.RecordCacheOperation("account_invalidate", "ok")
}
