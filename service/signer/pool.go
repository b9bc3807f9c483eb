package signer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
)

// Entry is one named signer in the pool together with its payment
// destination. Entries are immutable after pool construction.
type Entry struct {
	Name           string
	Backend        string
	Weight         int
	Signer         Signer
	PaymentAddress solana.PublicKey
}

// PublicKey returns the entry's signing address.
func (e *Entry) PublicKey() solana.PublicKey { return e.Signer.PublicKey() }

// Pool holds the configured signers. All lookups are read-only after
// construction, so the pool is safe for concurrent use without locking.
type Pool struct {
	entries     []*Entry
	byName      map[string]*Entry
	byAddress   map[solana.PublicKey]*Entry
	strategy    string
	totalWeight int
	cursor      atomic.Uint64
}

// NewPool initializes every configured backend. A payment address is
// resolved per entry: the entry's own setting wins, then the global
// fallback, then the signer's public key. The entry marked default seeds
// the round-robin rotation so single-signer and strategy-less deployments
// stay deterministic.
func NewPool(ctx context.Context, cfg *config.SignerPoolConfig, globalPaymentAddress string, logger *slog.Logger) (*Pool, error) {
	pool := &Pool{
		byName:    make(map[string]*Entry, len(cfg.Signers)),
		byAddress: make(map[solana.PublicKey]*Entry, len(cfg.Signers)),
		strategy:  cfg.SignerPool.Strategy,
	}

	defaultIx := 0
	for i := range cfg.Signers {
		sc := &cfg.Signers[i]
		s, err := newBackend(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("signer %q: %w", sc.Name, err)
		}

		payment := s.PublicKey()
		if globalPaymentAddress != "" {
			payment = solana.MustPublicKeyFromBase58(globalPaymentAddress)
		}
		if sc.PaymentAddress != "" {
			payment = solana.MustPublicKeyFromBase58(sc.PaymentAddress)
		}

		// An unset weight counts as one share.
		weight := sc.Weight
		if weight == 0 {
			weight = 1
		}

		entry := &Entry{
			Name:           sc.Name,
			Backend:        sc.Type,
			Weight:         weight,
			Signer:         s,
			PaymentAddress: payment,
		}
		if sc.Default {
			defaultIx = len(pool.entries)
		}
		pool.entries = append(pool.entries, entry)
		pool.byName[entry.Name] = entry
		pool.byAddress[entry.PublicKey()] = entry
		pool.totalWeight += weight

		logger.Info("initialized signer",
			"name", entry.Name,
			"backend", entry.Backend,
			"weight", entry.Weight,
			"address", entry.PublicKey().String(),
			"payment_address", entry.PaymentAddress.String(),
		)
	}

	pool.cursor.Store(uint64(defaultIx))
	return pool, nil
}

func newBackend(ctx context.Context, sc *config.SignerConfig) (Signer, error) {
	switch sc.Type {
	case config.SignerTypeMemory:
		return NewMemory(sc)
	case config.SignerTypeTurnkey:
		return NewTurnkey(sc)
	case config.SignerTypePrivy:
		return NewPrivy(ctx, sc)
	case config.SignerTypeVault:
		return NewVault(ctx, sc)
	default:
		return nil, fmt.Errorf("unknown signer type %q", sc.Type)
	}
}

// Entries returns all entries in configuration order.
func (p *Pool) Entries() []*Entry {
	return p.entries
}

// Select resolves a request's optional signer_key to a pool entry. The key
// may be an entry's name or its public address; an empty key picks the
// next entry by the configured selection strategy.
func (p *Pool) Select(signerKey string) (*Entry, error) {
	if signerKey == "" {
		return p.Next(), nil
	}
	if entry, ok := p.byName[signerKey]; ok {
		return entry, nil
	}
	if pub, err := solana.PublicKeyFromBase58(signerKey); err == nil {
		if entry, ok := p.byAddress[pub]; ok {
			return entry, nil
		}
	}
	return nil, apierr.New(apierr.KindUnknownSigner, "no signer matches %q", signerKey)
}

// Next picks an entry by the pool's selection strategy, distributing
// signing load across the configured backends.
func (p *Pool) Next() *Entry {
	if len(p.entries) == 1 {
		return p.entries[0]
	}
	switch p.strategy {
	case config.StrategyRandom:
		return p.entries[rand.Intn(len(p.entries))]
	case config.StrategyWeighted:
		return p.weightedNext()
	default:
		n := p.cursor.Add(1)
		return p.entries[int(n-1)%len(p.entries)]
	}
}

// weightedNext draws an entry with probability proportional to its weight.
func (p *Pool) weightedNext() *Entry {
	target := rand.Intn(p.totalWeight)
	for _, entry := range p.entries {
		if target < entry.Weight {
			return entry
		}
		target -= entry.Weight
	}
	return p.entries[0]
}

// Addresses returns every signer public address in the pool, for the
// getConfig response's fee_payers list.
func (p *Pool) Addresses() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.PublicKey().String()
	}
	return out
}
