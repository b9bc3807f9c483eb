package signer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	vault "github.com/hashicorp/vault/api"

	"github.com/xavierScript/kora-go/service/config"
)

// Vault fetches the keypair from a Vault KV mount once at startup and then
// signs locally. The secret never leaves the process after init.
type Vault struct {
	*Memory
}

// NewVault builds the Vault backend: connects with the configured address
// and token, reads the secret named by key_name from the KV v2 "secret"
// mount, and verifies it matches the expected public key.
func NewVault(ctx context.Context, cfg *config.SignerConfig) (*Vault, error) {
	addr, err := envValue(cfg.VaultAddrEnv)
	if err != nil {
		return nil, err
	}
	token, err := envValue(cfg.VaultTokenEnv)
	if err != nil {
		return nil, err
	}
	keyName, err := envValue(cfg.KeyNameEnv)
	if err != nil {
		return nil, err
	}
	expectedStr, err := envValue(cfg.PubkeyEnv)
	if err != nil {
		return nil, err
	}
	expected, err := solana.PublicKeyFromBase58(expectedStr)
	if err != nil {
		return nil, fmt.Errorf("invalid vault signer public key: %w", err)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = addr
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	secret, err := client.KVv2("secret").Get(ctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %q: %w", keyName, err)
	}
	value, ok := secret.Data["private_key"].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %q has no private_key field", keyName)
	}

	key, err := ParsePrivateKey(value)
	if err != nil {
		return nil, fmt.Errorf("vault secret %q: %w", keyName, err)
	}
	if !key.PublicKey().Equals(expected) {
		return nil, fmt.Errorf("vault secret %q does not match expected public key %s", keyName, expected)
	}
	return &Vault{Memory: NewMemoryFromKey(key)}, nil
}
