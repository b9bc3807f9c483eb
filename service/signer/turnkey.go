package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
)

const turnkeyBaseURL = "https://api.turnkey.com"

// Turnkey signs through the Turnkey HSM API. Every request body is stamped
// with a P-256 ECDSA signature over its SHA-256 digest, carried in the
// X-Stamp header.
type Turnkey struct {
	client       *http.Client
	baseURL      string
	apiPublicKey string
	apiPrivate   *ecdsa.PrivateKey
	organization string
	privateKeyID string
	pub          solana.PublicKey
}

// NewTurnkey builds the Turnkey backend from its config, resolving
// credentials from the named environment variables.
func NewTurnkey(cfg *config.SignerConfig) (*Turnkey, error) {
	apiPublicKey, err := envValue(cfg.APIPublicKeyEnv)
	if err != nil {
		return nil, err
	}
	apiPrivateHex, err := envValue(cfg.APIPrivateKeyEnv)
	if err != nil {
		return nil, err
	}
	organization, err := envValue(cfg.OrganizationEnv)
	if err != nil {
		return nil, err
	}
	privateKeyID, err := envValue(cfg.PrivateKeyIDEnv)
	if err != nil {
		return nil, err
	}
	pubStr, err := envValue(cfg.PublicKeyEnv)
	if err != nil {
		return nil, err
	}
	pub, err := solana.PublicKeyFromBase58(pubStr)
	if err != nil {
		return nil, fmt.Errorf("invalid turnkey signer public key: %w", err)
	}
	apiPrivate, err := parseP256PrivateKey(apiPrivateHex)
	if err != nil {
		return nil, fmt.Errorf("invalid turnkey API private key: %w", err)
	}
	return &Turnkey{
		client:       &http.Client{Timeout: 15 * time.Second},
		baseURL:      turnkeyBaseURL,
		apiPublicKey: apiPublicKey,
		apiPrivate:   apiPrivate,
		organization: organization,
		privateKeyID: privateKeyID,
		pub:          pub,
	}, nil
}

func (t *Turnkey) PublicKey() solana.PublicKey { return t.pub }

func (t *Turnkey) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	return signWithRetry(ctx, func() (solana.Signature, error) {
		return t.signOnce(ctx, message)
	})
}

type turnkeySignRequest struct {
	Type           string                `json:"type"`
	TimestampMs    string                `json:"timestampMs"`
	OrganizationID string                `json:"organizationId"`
	Parameters     turnkeySignParameters `json:"parameters"`
}

type turnkeySignParameters struct {
	SignWith     string `json:"signWith"`
	Payload      string `json:"payload"`
	Encoding     string `json:"encoding"`
	HashFunction string `json:"hashFunction"`
}

type turnkeySignResponse struct {
	Activity struct {
		Status string `json:"status"`
		Result struct {
			SignRawPayloadResult struct {
				R string `json:"r"`
				S string `json:"s"`
			} `json:"signRawPayloadResult"`
		} `json:"result"`
	} `json:"activity"`
}

func (t *Turnkey) signOnce(ctx context.Context, message []byte) (solana.Signature, error) {
	body, err := json.Marshal(turnkeySignRequest{
		Type:           "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD_V2",
		TimestampMs:    fmt.Sprintf("%d", time.Now().UnixMilli()),
		OrganizationID: t.organization,
		Parameters: turnkeySignParameters{
			SignWith:     t.privateKeyID,
			Payload:      hex.EncodeToString(message),
			Encoding:     "PAYLOAD_ENCODING_HEXADECIMAL",
			HashFunction: "HASH_FUNCTION_NOT_APPLICABLE",
		},
	})
	if err != nil {
		return solana.Signature{}, err
	}

	stamp, err := t.stamp(body)
	if err != nil {
		return solana.Signature{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/public/v1/submit/sign_raw_payload", bytes.NewReader(body))
	if err != nil {
		return solana.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stamp", stamp)

	resp, err := t.client.Do(req)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("turnkey request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to read turnkey response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return solana.Signature{}, fmt.Errorf("turnkey returned status %d", resp.StatusCode)
	}

	var parsed turnkeySignResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode turnkey response: %w", err)
	}
	result := parsed.Activity.Result.SignRawPayloadResult
	r, err := hex.DecodeString(result.R)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("turnkey returned invalid signature r: %w", err)
	}
	s, err := hex.DecodeString(result.S)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("turnkey returned invalid signature s: %w", err)
	}
	if len(r) != 32 || len(s) != 32 {
		return solana.Signature{}, fmt.Errorf("turnkey returned malformed signature halves (%d, %d bytes)", len(r), len(s))
	}
	return solana.SignatureFromBytes(append(r, s...)), nil
}

// stamp builds the X-Stamp header: a base64url JSON envelope carrying an
// ECDSA-P256 signature over the request body's SHA-256 digest.
func (t *Turnkey) stamp(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	der, err := ecdsa.SignASN1(rand.Reader, t.apiPrivate, digest[:])
	if err != nil {
		return "", apierr.Wrap(apierr.KindSignerBackend, err, "failed to stamp turnkey request")
	}
	envelope, err := json.Marshal(map[string]string{
		"publicKey": t.apiPublicKey,
		"scheme":    "SIGNATURE_SCHEME_TK_API_P256",
		"signature": hex.EncodeToString(der),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

// parseP256PrivateKey accepts either a raw 32-byte hex scalar or a
// hex-encoded DER EC private key.
func parseP256PrivateKey(input string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if key, err := x509.ParseECPrivateKey(raw); err == nil {
		return key, nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected a 32-byte scalar or DER key, got %d bytes", len(raw))
	}
	key := new(ecdsa.PrivateKey)
	key.Curve = elliptic.P256()
	key.D = new(big.Int).SetBytes(raw)
	key.X, key.Y = key.Curve.ScalarBaseMult(raw)
	return key, nil
}
