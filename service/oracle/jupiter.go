package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xavierScript/kora-go/service/apierr"
)

const (
	jupiterLiteURL = "https://lite-api.jup.ag"
	jupiterProURL  = "https://api.jup.ag"

	jupiterAuthHeader = "x-api-key"
	jupiterConfidence = 0.95
)

// Sanity bounds on returned prices; anything outside is treated as a bad
// quote rather than trusted.
var (
	maxReasonablePrice = decimal.NewFromInt(1_000_000)
	minReasonablePrice = decimal.NewFromFloat(0.000_000_001)
)

// Jupiter fetches token prices from the Jupiter price API. With an API key
// the pro endpoint is tried first, falling back to the free endpoint on
// rate limiting.
type Jupiter struct {
	client  *http.Client
	apiKey  string
	proURL  string
	liteURL string
}

// NewJupiter creates the Jupiter oracle. An empty apiKey falls back to the
// JUPITER_API_KEY environment variable, then to the free endpoint only.
func NewJupiter(apiKey string) *Jupiter {
	if apiKey == "" {
		apiKey = os.Getenv("JUPITER_API_KEY")
	}
	return &Jupiter{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		proURL:  jupiterProURL + "/price/v3",
		liteURL: jupiterLiteURL + "/price/v3",
	}
}

type jupiterPriceData struct {
	USDPrice float64 `json:"usdPrice"`
	BlockID  uint64  `json:"blockId"`
	Decimals uint8   `json:"decimals"`
}

func (j *Jupiter) GetPrice(ctx context.Context, mint string) (TokenPrice, error) {
	prices, err := j.GetPrices(ctx, []string{mint})
	if err != nil {
		return TokenPrice{}, err
	}
	price, ok := prices[mint]
	if !ok {
		return TokenPrice{}, apierr.New(apierr.KindOracleUnavailable, "no price data from Jupiter for mint %s", mint)
	}
	return price, nil
}

func (j *Jupiter) GetPrices(ctx context.Context, mints []string) (map[string]TokenPrice, error) {
	if len(mints) == 0 {
		return map[string]TokenPrice{}, nil
	}
	// SOL itself is always included so USD quotes can be rebased to SOL.
	request := mints
	if !contains(mints, solMint) {
		request = append(append([]string{}, mints...), solMint)
	}

	if j.apiKey != "" {
		prices, err := j.fetch(ctx, j.proURL, request, j.apiKey)
		if err == nil {
			return j.rebase(prices, mints)
		}
		if !apierr.IsKind(err, apierr.KindRateLimited) {
			return nil, err
		}
	}
	prices, err := j.fetch(ctx, j.liteURL, request, "")
	if err != nil {
		return nil, err
	}
	return j.rebase(prices, mints)
}

const solMint = "So11111111111111111111111111111111111111112"

func (j *Jupiter) fetch(ctx context.Context, base string, mints []string, apiKey string) (map[string]jupiterPriceData, error) {
	endpoint := fmt.Sprintf("%s?ids=%s", base, url.QueryEscape(strings.Join(mints, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set(jupiterAuthHeader, apiKey)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apierr.New(apierr.KindRateLimited, "jupiter API rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter API returned status %d", resp.StatusCode)
	}

	var parsed map[string]jupiterPriceData
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode jupiter response: %w", err)
	}
	return parsed, nil
}

// rebase converts Jupiter's USD quotes into SOL-denominated prices.
func (j *Jupiter) rebase(data map[string]jupiterPriceData, mints []string) (map[string]TokenPrice, error) {
	solData, ok := data[solMint]
	if !ok || solData.USDPrice <= 0 {
		return nil, fmt.Errorf("jupiter response missing SOL price")
	}
	solUSD := decimal.NewFromFloat(solData.USDPrice)

	out := make(map[string]TokenPrice, len(mints))
	for _, mint := range mints {
		entry, ok := data[mint]
		if !ok {
			continue
		}
		price := decimal.NewFromFloat(entry.USDPrice).Div(solUSD)
		if price.LessThan(minReasonablePrice) || price.GreaterThan(maxReasonablePrice) {
			return nil, fmt.Errorf("jupiter returned unreasonable price %s for mint %s", price, mint)
		}
		out[mint] = TokenPrice{Price: price, Confidence: jupiterConfidence, Source: SourceJupiter}
	}
	return out, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
