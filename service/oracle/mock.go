package oracle

import (
	"context"

	"github.com/shopspring/decimal"
)

// Deterministic quotes served by the mock source: SOL is worth exactly one
// SOL, USDC-like mints 0.0001 SOL, everything else falls back to a fixed
// default. Used in tests and local development.
var (
	mockDefaultPrice = decimal.NewFromFloat(0.01)
	mockUSDCPrice    = decimal.NewFromFloat(0.0001)
	mockSOLPrice     = decimal.NewFromInt(1)
)

var mockUSDCMints = map[string]struct{}{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {}, // mainnet USDC
	"4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU": {}, // devnet USDC
}

// Mock is a deterministic in-process price source.
type Mock struct{}

// NewMock creates the mock oracle.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) GetPrice(_ context.Context, mint string) (TokenPrice, error) {
	return m.quote(mint), nil
}

func (m *Mock) GetPrices(_ context.Context, mints []string) (map[string]TokenPrice, error) {
	out := make(map[string]TokenPrice, len(mints))
	for _, mint := range mints {
		out[mint] = m.quote(mint)
	}
	return out, nil
}

func (m *Mock) quote(mint string) TokenPrice {
	price := mockDefaultPrice
	switch {
	case mint == solMint:
		price = mockSOLPrice
	default:
		if _, ok := mockUSDCMints[mint]; ok {
			price = mockUSDCPrice
		}
	}
	return TokenPrice{Price: price, Confidence: 1.0, Source: SourceMock}
}
