package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xavierScript/kora-go/service/apierr"
)

const usdcDevnetMint = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

func TestMockQuotes(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	sol, err := m.GetPrice(ctx, solMint)
	require.NoError(t, err)
	assert.True(t, sol.Price.Equal(decimal.NewFromInt(1)))

	usdc, err := m.GetPrice(ctx, usdcDevnetMint)
	require.NoError(t, err)
	assert.True(t, usdc.Price.Equal(decimal.NewFromFloat(0.0001)))

	other, err := m.GetPrice(ctx, "SomeRandomMint111111111111111111111111111111")
	require.NoError(t, err)
	assert.True(t, other.Price.Equal(decimal.NewFromFloat(0.01)))
}

func TestMockIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	first, err := m.GetPrice(ctx, usdcDevnetMint)
	require.NoError(t, err)
	second, err := m.GetPrice(ctx, usdcDevnetMint)
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(second.Price))
}

// flakyOracle fails a set number of times before succeeding.
type flakyOracle struct {
	failures int
	calls    int
}

func (f *flakyOracle) GetPrice(ctx context.Context, mint string) (TokenPrice, error) {
	prices, err := f.GetPrices(ctx, []string{mint})
	if err != nil {
		return TokenPrice{}, err
	}
	return prices[mint], nil
}

func (f *flakyOracle) GetPrices(_ context.Context, mints []string) (map[string]TokenPrice, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("oracle flake")
	}
	out := make(map[string]TokenPrice, len(mints))
	for _, mint := range mints {
		out[mint] = TokenPrice{Price: decimal.NewFromInt(1), Source: SourceMock}
	}
	return out, nil
}

func TestRetryingRecoversFromFlakes(t *testing.T) {
	flaky := &flakyOracle{failures: 2}
	r := NewRetrying(flaky, 3, time.Millisecond)

	price, err := r.GetPrice(context.Background(), solMint)
	require.NoError(t, err)
	assert.True(t, price.Price.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingSurfacesExhaustion(t *testing.T) {
	flaky := &flakyOracle{failures: 10}
	r := NewRetrying(flaky, 3, time.Millisecond)

	_, err := r.GetPrice(context.Background(), solMint)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindOracleUnavailable))
	assert.Equal(t, 3, flaky.calls)
}

func TestForSource(t *testing.T) {
	_, isMock := ForSource("mock").(*Mock)
	assert.True(t, isMock)
	_, isJupiter := ForSource("jupiter").(*Jupiter)
	assert.True(t, isJupiter)
	_, fallback := ForSource("").(*Mock)
	assert.True(t, fallback)
}
