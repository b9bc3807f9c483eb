// Package config loads and validates the service's declarative TOML
// configuration. All validation happens at startup so a bad config fails
// fast before any request is accepted.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/pelletier/go-toml/v2"

	"github.com/xavierScript/kora-go/service/txn"
)

const (
	DefaultMaxTimestampAge    = 300
	DefaultMaxRequestBodySize = 2 * 1024 * 1024
	DefaultRequestTimeout     = 30
	DefaultCacheDefaultTTL    = 300
	DefaultCacheAccountTTL    = 60
	DefaultMetricsEndpoint    = "/metrics"
	DefaultMetricsPort        = 8080
	DefaultMetricsInterval    = 60
	DefaultBalanceExpiry      = 30
	DefaultComputeUnitLimit   = 200_000
)

// Config is the root of the kora.toml document.
type Config struct {
	Kora       KoraConfig       `toml:"kora"`
	Validation ValidationConfig `toml:"validation"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// KoraConfig holds server-level settings.
type KoraConfig struct {
	RateLimit          int              `toml:"rate_limit"`
	MaxRequestBodySize int64            `toml:"max_request_body_size"`
	RequestTimeout     int64            `toml:"request_timeout"`
	PaymentAddress     string           `toml:"payment_address"`
	Auth               AuthConfig       `toml:"auth"`
	Cache              CacheConfig      `toml:"cache"`
	UsageLimit         UsageLimitConfig `toml:"usage_limit"`
	EnabledMethods     EnabledMethods   `toml:"enabled_methods"`
}

// AuthConfig controls the request authentication middleware. Empty values
// disable the corresponding check.
type AuthConfig struct {
	APIKey          string `toml:"api_key"`
	HMACSecret      string `toml:"hmac_secret"`
	MaxTimestampAge int64  `toml:"max_timestamp_age"`
}

// CacheConfig selects the cache backend. When URL is set and Enabled is
// true, Redis is used; otherwise an in-process LRU.
type CacheConfig struct {
	URL        string `toml:"url"`
	Enabled    bool   `toml:"enabled"`
	DefaultTTL int64  `toml:"default_ttl"`
	AccountTTL int64  `toml:"account_ttl"`
}

// UsageLimitConfig bounds how many transactions a single end-user wallet
// may have sponsored.
type UsageLimitConfig struct {
	Enabled               bool   `toml:"enabled"`
	CacheURL              string `toml:"cache_url"`
	MaxTransactions       uint64 `toml:"max_transactions"`
	FallbackIfUnavailable bool   `toml:"fallback_if_unavailable"`
}

// EnabledMethods gates each JSON-RPC method individually.
type EnabledMethods struct {
	Liveness               bool `toml:"liveness"`
	EstimateTransactionFee bool `toml:"estimate_transaction_fee"`
	GetSupportedTokens     bool `toml:"get_supported_tokens"`
	GetPayerSigner         bool `toml:"get_payer_signer"`
	SignTransaction        bool `toml:"sign_transaction"`
	SignAndSendTransaction bool `toml:"sign_and_send_transaction"`
	TransferTransaction    bool `toml:"transfer_transaction"`
	GetBlockhash           bool `toml:"get_blockhash"`
	GetConfig              bool `toml:"get_config"`
}

// Names returns the JSON-RPC names of the enabled methods.
func (m EnabledMethods) Names() []string {
	var names []string
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"liveness", m.Liveness},
		{"estimateTransactionFee", m.EstimateTransactionFee},
		{"getSupportedTokens", m.GetSupportedTokens},
		{"getPayerSigner", m.GetPayerSigner},
		{"signTransaction", m.SignTransaction},
		{"signAndSendTransaction", m.SignAndSendTransaction},
		{"transferTransaction", m.TransferTransaction},
		{"getBlockhash", m.GetBlockhash},
		{"getConfig", m.GetConfig},
	} {
		if e.on {
			names = append(names, e.name)
		}
	}
	return names
}

// ValidationConfig is the transaction policy applied to every request.
type ValidationConfig struct {
	MaxAllowedLamports   uint64           `toml:"max_allowed_lamports"`
	MaxSignatures        uint64           `toml:"max_signatures"`
	PriceSource          string           `toml:"price_source"`
	AllowedPrograms      []string         `toml:"allowed_programs"`
	AllowedTokens        []string         `toml:"allowed_tokens"`
	AllowedSPLPaidTokens PaidTokens       `toml:"allowed_spl_paid_tokens"`
	DisallowedAccounts   []string         `toml:"disallowed_accounts"`
	FeePayerPolicy       FeePayerPolicy   `toml:"fee_payer_policy"`
	Price                PriceConfig      `toml:"price"`
	Token2022            Token2022Config  `toml:"token_2022"`
	// AllowUnknownInstructions disables strict rejection of unrecognized
	// instructions in the system and token programs.
	AllowUnknownInstructions bool `toml:"allow_unknown_instructions"`
}

// IsPaymentRequired reports whether the operator charges for signing.
func (v *ValidationConfig) IsPaymentRequired() bool {
	return v.Price.Type != PriceModelFree
}

// PaidTokens is the allow-list of mints accepted as payment. The single
// entry "all" (case-insensitive) acts as a wildcard accepting any mint.
type PaidTokens []string

func (p PaidTokens) All() bool {
	return len(p) == 1 && strings.EqualFold(p[0], "all")
}

func (p PaidTokens) Has(mint string) bool {
	if p.All() {
		return true
	}
	for _, t := range p {
		if t == mint {
			return true
		}
	}
	return false
}

// Tokens returns the explicit mint list, empty when the wildcard is set.
func (p PaidTokens) Tokens() []string {
	if p.All() {
		return nil
	}
	return p
}

// FeePayerPolicy is the per-instruction permission matrix. Every flag
// defaults to deny; setting a flag grants the fee payer permission to
// appear in that instruction's sensitive role.
type FeePayerPolicy struct {
	System    SystemPolicy `toml:"system" json:"system"`
	SplToken  TokenPolicy  `toml:"spl_token" json:"spl_token"`
	Token2022 TokenPolicy  `toml:"token_2022" json:"token_2022"`
}

type SystemPolicy struct {
	AllowTransfer      bool        `toml:"allow_transfer" json:"allow_transfer"`
	AllowAssign        bool        `toml:"allow_assign" json:"allow_assign"`
	AllowCreateAccount bool        `toml:"allow_create_account" json:"allow_create_account"`
	AllowAllocate      bool        `toml:"allow_allocate" json:"allow_allocate"`
	Nonce              NoncePolicy `toml:"nonce" json:"nonce"`
}

type NoncePolicy struct {
	AllowInitialize bool `toml:"allow_initialize" json:"allow_initialize"`
	AllowAdvance    bool `toml:"allow_advance" json:"allow_advance"`
	AllowWithdraw   bool `toml:"allow_withdraw" json:"allow_withdraw"`
	AllowAuthorize  bool `toml:"allow_authorize" json:"allow_authorize"`
}

// TokenPolicy covers both the SPL Token and Token-2022 programs; each
// program gets its own instance.
type TokenPolicy struct {
	AllowTransfer           bool `toml:"allow_transfer" json:"allow_transfer"`
	AllowBurn               bool `toml:"allow_burn" json:"allow_burn"`
	AllowCloseAccount       bool `toml:"allow_close_account" json:"allow_close_account"`
	AllowApprove            bool `toml:"allow_approve" json:"allow_approve"`
	AllowRevoke             bool `toml:"allow_revoke" json:"allow_revoke"`
	AllowSetAuthority       bool `toml:"allow_set_authority" json:"allow_set_authority"`
	AllowMintTo             bool `toml:"allow_mint_to" json:"allow_mint_to"`
	AllowInitializeMint     bool `toml:"allow_initialize_mint" json:"allow_initialize_mint"`
	AllowInitializeAccount  bool `toml:"allow_initialize_account" json:"allow_initialize_account"`
	AllowInitializeMultisig bool `toml:"allow_initialize_multisig" json:"allow_initialize_multisig"`
	AllowFreezeAccount      bool `toml:"allow_freeze_account" json:"allow_freeze_account"`
	AllowThawAccount        bool `toml:"allow_thaw_account" json:"allow_thaw_account"`
}

// Price model types.
const (
	PriceModelMargin = "margin"
	PriceModelFixed  = "fixed"
	PriceModelFree   = "free"
)

// PriceConfig selects how the token fee is derived from the lamport fee.
type PriceConfig struct {
	Type   string  `toml:"type"`
	Margin float64 `toml:"margin"`
	Amount uint64  `toml:"amount"`
	Token  string  `toml:"token"`
	Strict bool    `toml:"strict"`
}

// Token2022Config lists extension names that disqualify a mint or token
// account from being sponsored.
type Token2022Config struct {
	BlockedMintExtensions    []string `toml:"blocked_mint_extensions"`
	BlockedAccountExtensions []string `toml:"blocked_account_extensions"`

	parsedMintExtensions    []txn.ExtensionType
	parsedAccountExtensions []txn.ExtensionType
}

// BlockedMintExtensionTypes returns the parsed extension types; call
// Config.Validate first.
func (t *Token2022Config) BlockedMintExtensionTypes() []txn.ExtensionType {
	return t.parsedMintExtensions
}

func (t *Token2022Config) BlockedAccountExtensionTypes() []txn.ExtensionType {
	return t.parsedAccountExtensions
}

// Default returns a Config with the documented defaults applied. Load
// unmarshals the TOML document over this value so omitted keys keep their
// defaults.
func Default() *Config {
	return &Config{
		Kora: KoraConfig{
			RateLimit:          100,
			MaxRequestBodySize: DefaultMaxRequestBodySize,
			RequestTimeout:     DefaultRequestTimeout,
			Auth:               AuthConfig{MaxTimestampAge: DefaultMaxTimestampAge},
			Cache: CacheConfig{
				DefaultTTL: DefaultCacheDefaultTTL,
				AccountTTL: DefaultCacheAccountTTL,
			},
			EnabledMethods: EnabledMethods{
				Liveness:               true,
				EstimateTransactionFee: true,
				GetSupportedTokens:     true,
				GetPayerSigner:         true,
				SignTransaction:        true,
				SignAndSendTransaction: true,
				TransferTransaction:    true,
				GetBlockhash:           true,
				GetConfig:              true,
			},
		},
		Validation: ValidationConfig{
			PriceSource: "mock",
			Price:       PriceConfig{Type: PriceModelMargin},
		},
		Metrics: MetricsConfig{
			Endpoint:       DefaultMetricsEndpoint,
			Port:           DefaultMetricsPort,
			ScrapeInterval: DefaultMetricsInterval,
			FeePayerBalance: BalanceMetricsConfig{
				ExpirySeconds: DefaultBalanceExpiry,
			},
		},
	}
}

// Load reads, parses, and validates a kora.toml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that can be checked without touching the
// network, accumulating all problems into a single error.
func (c *Config) Validate() error {
	var errs []error

	if c.Kora.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("kora.rate_limit must be positive"))
	}
	if c.Kora.MaxRequestBodySize <= 0 {
		errs = append(errs, fmt.Errorf("kora.max_request_body_size must be positive"))
	}
	if c.Kora.PaymentAddress != "" {
		if _, err := solana.PublicKeyFromBase58(c.Kora.PaymentAddress); err != nil {
			errs = append(errs, fmt.Errorf("kora.payment_address: invalid address %q: %w", c.Kora.PaymentAddress, err))
		}
	}

	switch strings.ToLower(c.Validation.PriceSource) {
	case "jupiter", "mock":
	default:
		errs = append(errs, fmt.Errorf("validation.price_source: unknown source %q", c.Validation.PriceSource))
	}

	if c.Validation.MaxSignatures == 0 {
		errs = append(errs, fmt.Errorf("validation.max_signatures must be positive"))
	}

	errs = append(errs, validateAddressList("validation.allowed_programs", c.Validation.AllowedPrograms)...)
	errs = append(errs, validateAddressList("validation.allowed_tokens", c.Validation.AllowedTokens)...)
	errs = append(errs, validateAddressList("validation.disallowed_accounts", c.Validation.DisallowedAccounts)...)
	if !c.Validation.AllowedSPLPaidTokens.All() {
		errs = append(errs, validateAddressList("validation.allowed_spl_paid_tokens", c.Validation.AllowedSPLPaidTokens)...)
	}

	switch c.Validation.Price.Type {
	case PriceModelMargin:
		if c.Validation.Price.Margin < 0 {
			errs = append(errs, fmt.Errorf("validation.price.margin cannot be negative"))
		}
	case PriceModelFixed:
		if c.Validation.Price.Token == "" {
			errs = append(errs, fmt.Errorf("validation.price.token is required for fixed pricing"))
		} else if _, err := solana.PublicKeyFromBase58(c.Validation.Price.Token); err != nil {
			errs = append(errs, fmt.Errorf("validation.price.token: invalid mint %q: %w", c.Validation.Price.Token, err))
		}
	case PriceModelFree:
	default:
		errs = append(errs, fmt.Errorf("validation.price.type: unknown model %q", c.Validation.Price.Type))
	}

	t22 := &c.Validation.Token2022
	t22.parsedMintExtensions = t22.parsedMintExtensions[:0]
	for _, name := range t22.BlockedMintExtensions {
		ext, ok := txn.ParseMintExtensionName(name)
		if !ok {
			errs = append(errs, fmt.Errorf("validation.token_2022.blocked_mint_extensions: unknown extension %q", name))
			continue
		}
		t22.parsedMintExtensions = append(t22.parsedMintExtensions, ext)
	}
	t22.parsedAccountExtensions = t22.parsedAccountExtensions[:0]
	for _, name := range t22.BlockedAccountExtensions {
		ext, ok := txn.ParseAccountExtensionName(name)
		if !ok {
			errs = append(errs, fmt.Errorf("validation.token_2022.blocked_account_extensions: unknown extension %q", name))
			continue
		}
		t22.parsedAccountExtensions = append(t22.parsedAccountExtensions, ext)
	}

	if c.Kora.UsageLimit.Enabled && c.Kora.UsageLimit.MaxTransactions == 0 {
		errs = append(errs, fmt.Errorf("kora.usage_limit.max_transactions must be positive when usage limiting is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

func validateAddressList(field string, addrs []string) []error {
	var errs []error
	for _, addr := range addrs {
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid address %q: %w", field, addr, err))
		}
	}
	return errs
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled         bool                 `toml:"enabled"`
	Endpoint        string               `toml:"endpoint"`
	Port            int                  `toml:"port"`
	ScrapeInterval  int64                `toml:"scrape_interval"`
	FeePayerBalance BalanceMetricsConfig `toml:"fee_payer_balance"`
}

// BalanceMetricsConfig controls the fee-payer balance gauge poller.
type BalanceMetricsConfig struct {
	Enabled       bool  `toml:"enabled"`
	ExpirySeconds int64 `toml:"expiry_seconds"`
}
