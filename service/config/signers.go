package config

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/pelletier/go-toml/v2"
)

// Signer backend kinds.
const (
	SignerTypeMemory  = "memory"
	SignerTypeTurnkey = "turnkey"
	SignerTypePrivy   = "privy"
	SignerTypeVault   = "vault"
)

// SignerPoolConfig is the root of the signers.toml document.
type SignerPoolConfig struct {
	SignerPool SignerPoolSettings `toml:"signer_pool"`
	Signers    []SignerConfig     `toml:"signers"`
}

// SignerPoolSettings controls pool-wide behavior.
type SignerPoolSettings struct {
	Strategy string `toml:"strategy"`
}

// Selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
	StrategyWeighted   = "weighted"
)

// SignerConfig describes a single signing backend. Secret material is never
// stored in the file; each *_env field names an environment variable that
// holds the value at startup.
type SignerConfig struct {
	Name           string `toml:"name"`
	Type           string `toml:"type"`
	Default        bool   `toml:"default"`
	Weight         int    `toml:"weight"`
	PaymentAddress string `toml:"payment_address"`

	// memory
	PrivateKeyEnv string `toml:"private_key_env"`

	// turnkey
	APIPublicKeyEnv  string `toml:"api_public_key_env"`
	APIPrivateKeyEnv string `toml:"api_private_key_env"`
	OrganizationEnv  string `toml:"organization_id_env"`
	PrivateKeyIDEnv  string `toml:"private_key_id_env"`
	PublicKeyEnv     string `toml:"public_key_env"`

	// privy
	AppIDEnv     string `toml:"app_id_env"`
	AppSecretEnv string `toml:"app_secret_env"`
	WalletIDEnv  string `toml:"wallet_id_env"`

	// vault
	VaultAddrEnv  string `toml:"vault_addr_env"`
	VaultTokenEnv string `toml:"vault_token_env"`
	KeyNameEnv    string `toml:"key_name_env"`
	PubkeyEnv     string `toml:"pubkey_env"`
}

// LoadSigners reads, parses, and validates a signers.toml file.
func LoadSigners(path string) (*SignerPoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signers file: %w", err)
	}
	cfg := &SignerPoolConfig{
		SignerPool: SignerPoolSettings{Strategy: StrategyRoundRobin},
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse signers TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks pool-wide and per-signer constraints.
func (c *SignerPoolConfig) Validate() error {
	var errs []error

	if len(c.Signers) == 0 {
		errs = append(errs, fmt.Errorf("at least one signer must be configured"))
	}

	switch c.SignerPool.Strategy {
	case StrategyRoundRobin, StrategyRandom, StrategyWeighted:
	default:
		errs = append(errs, fmt.Errorf("signer_pool.strategy: unknown strategy %q", c.SignerPool.Strategy))
	}

	names := make(map[string]struct{}, len(c.Signers))
	defaults := 0
	for i := range c.Signers {
		s := &c.Signers[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("signers[%d]: name is required", i))
		}
		if _, dup := names[s.Name]; dup {
			errs = append(errs, fmt.Errorf("signers[%d]: duplicate name %q", i, s.Name))
		}
		names[s.Name] = struct{}{}
		if s.Default {
			defaults++
		}
		if s.PaymentAddress != "" {
			if _, err := solana.PublicKeyFromBase58(s.PaymentAddress); err != nil {
				errs = append(errs, fmt.Errorf("signers[%d]: invalid payment_address %q: %w", i, s.PaymentAddress, err))
			}
		}
		if s.Weight < 0 {
			errs = append(errs, fmt.Errorf("signers[%d]: weight cannot be negative", i))
		}
		errs = append(errs, s.validateBackend(i)...)
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("at most one signer may be marked default"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("signer configuration validation failed: %v", errs)
	}
	return nil
}

func (s *SignerConfig) validateBackend(i int) []error {
	var errs []error
	requireEnv := func(field, name string) {
		if name == "" {
			errs = append(errs, fmt.Errorf("signers[%d]: %s is required for type %q", i, field, s.Type))
		}
	}
	switch s.Type {
	case SignerTypeMemory:
		requireEnv("private_key_env", s.PrivateKeyEnv)
	case SignerTypeTurnkey:
		requireEnv("api_public_key_env", s.APIPublicKeyEnv)
		requireEnv("api_private_key_env", s.APIPrivateKeyEnv)
		requireEnv("organization_id_env", s.OrganizationEnv)
		requireEnv("private_key_id_env", s.PrivateKeyIDEnv)
		requireEnv("public_key_env", s.PublicKeyEnv)
	case SignerTypePrivy:
		requireEnv("app_id_env", s.AppIDEnv)
		requireEnv("app_secret_env", s.AppSecretEnv)
		requireEnv("wallet_id_env", s.WalletIDEnv)
	case SignerTypeVault:
		requireEnv("vault_addr_env", s.VaultAddrEnv)
		requireEnv("vault_token_env", s.VaultTokenEnv)
		requireEnv("key_name_env", s.KeyNameEnv)
		requireEnv("pubkey_env", s.PubkeyEnv)
	default:
		errs = append(errs, fmt.Errorf("signers[%d]: unknown signer type %q", i, s.Type))
	}
	return errs
}
