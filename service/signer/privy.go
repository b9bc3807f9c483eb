package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/xavierScript/kora-go/service/config"
)

const privyBaseURL = "https://api.privy.io"

// Privy signs through the Privy wallet API using basic auth with the app
// id and secret.
type Privy struct {
	client    *http.Client
	baseURL   string
	appID     string
	appSecret string
	walletID  string
	pub       solana.PublicKey
}

// NewPrivy builds the Privy backend from its config and resolves the
// wallet's public address with a one-time API call at startup.
func NewPrivy(ctx context.Context, cfg *config.SignerConfig) (*Privy, error) {
	appID, err := envValue(cfg.AppIDEnv)
	if err != nil {
		return nil, err
	}
	appSecret, err := envValue(cfg.AppSecretEnv)
	if err != nil {
		return nil, err
	}
	walletID, err := envValue(cfg.WalletIDEnv)
	if err != nil {
		return nil, err
	}
	p := &Privy{
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   privyBaseURL,
		appID:     appID,
		appSecret: appSecret,
		walletID:  walletID,
	}
	if err := p.resolveAddress(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve privy wallet address: %w", err)
	}
	return p, nil
}

func (p *Privy) PublicKey() solana.PublicKey { return p.pub }

func (p *Privy) resolveAddress(ctx context.Context) error {
	var wallet struct {
		Address string `json:"address"`
	}
	if err := p.call(ctx, http.MethodGet, "/v1/wallets/"+p.walletID, nil, &wallet); err != nil {
		return err
	}
	pub, err := solana.PublicKeyFromBase58(wallet.Address)
	if err != nil {
		return fmt.Errorf("privy returned invalid address %q: %w", wallet.Address, err)
	}
	p.pub = pub
	return nil
}

func (p *Privy) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	return signWithRetry(ctx, func() (solana.Signature, error) {
		return p.signOnce(ctx, message)
	})
}

func (p *Privy) signOnce(ctx context.Context, message []byte) (solana.Signature, error) {
	request := map[string]any{
		"method": "signMessage",
		"params": map[string]any{
			"message":  base64.StdEncoding.EncodeToString(message),
			"encoding": "base64",
		},
	}
	var response struct {
		Data struct {
			Signature string `json:"signature"`
			Encoding  string `json:"encoding"`
		} `json:"data"`
	}
	if err := p.call(ctx, http.MethodPost, "/v1/wallets/"+p.walletID+"/rpc", request, &response); err != nil {
		return solana.Signature{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(response.Data.Signature)
	if err != nil {
		// Some deployments return base58 signatures.
		raw, err = base58.Decode(response.Data.Signature)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("privy returned undecodable signature: %w", err)
		}
	}
	if len(raw) != 64 {
		return solana.Signature{}, fmt.Errorf("privy returned signature of %d bytes, want 64", len(raw))
	}
	return solana.SignatureFromBytes(raw), nil
}

func (p *Privy) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.appID, p.appSecret)
	req.Header.Set("privy-app-id", p.appID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("privy request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read privy response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("privy returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(payload, out)
}
