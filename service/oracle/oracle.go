// Package oracle converts between native lamports and token units via an
// external price source. Prices are quoted in SOL per whole token.
package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xavierScript/kora-go/service/apierr"
)

// Price sources.
const (
	SourceJupiter = "jupiter"
	SourceMock    = "mock"
)

// TokenPrice is a quote for one whole token, in SOL.
type TokenPrice struct {
	Price      decimal.Decimal
	Confidence float64
	Source     string
}

// PriceOracle fetches quotes for token mints.
type PriceOracle interface {
	// GetPrice returns the price of one whole token in SOL.
	GetPrice(ctx context.Context, mint string) (TokenPrice, error)
	// GetPrices returns quotes for several mints at once.
	GetPrices(ctx context.Context, mints []string) (map[string]TokenPrice, error)
}

// ForSource builds the oracle for a configured price source name.
func ForSource(source string) PriceOracle {
	switch strings.ToLower(source) {
	case SourceJupiter:
		return NewJupiter("")
	default:
		return NewMock()
	}
}

// Retrying wraps an oracle with bounded exponential-backoff retries.
type Retrying struct {
	oracle     PriceOracle
	maxRetries int
	baseDelay  time.Duration
}

// NewRetrying wraps oracle; maxRetries bounds total attempts.
func NewRetrying(oracle PriceOracle, maxRetries int, baseDelay time.Duration) *Retrying {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Retrying{oracle: oracle, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (r *Retrying) GetPrice(ctx context.Context, mint string) (TokenPrice, error) {
	prices, err := r.GetPrices(ctx, []string{mint})
	if err != nil {
		return TokenPrice{}, err
	}
	price, ok := prices[mint]
	if !ok {
		return TokenPrice{}, apierr.New(apierr.KindOracleUnavailable, "no price data for mint %s", mint)
	}
	return price, nil
}

func (r *Retrying) GetPrices(ctx context.Context, mints []string) (map[string]TokenPrice, error) {
	if len(mints) == 0 {
		return map[string]TokenPrice{}, nil
	}
	var lastErr error
	delay := r.baseDelay
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		prices, err := r.oracle.GetPrices(ctx, mints)
		if err == nil {
			return prices, nil
		}
		lastErr = err
		if attempt < r.maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, apierr.Wrap(apierr.KindTimeout, ctx.Err(), "oracle fetch cancelled")
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, apierr.Wrap(apierr.KindOracleUnavailable, lastErr, "failed to fetch token prices")
}
