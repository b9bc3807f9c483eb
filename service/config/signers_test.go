package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSigners(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signers.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSigners(t *testing.T) {
	cfg, err := LoadSigners(writeSigners(t, `
[signer_pool]
strategy = "round_robin"

[[signers]]
name = "primary"
type = "memory"
private_key_env = "KORA_PRIMARY_KEY"
default = true

[[signers]]
name = "backup"
type = "vault"
vault_addr_env = "VAULT_ADDR"
vault_token_env = "VAULT_TOKEN"
key_name_env = "VAULT_KEY_NAME"
pubkey_env = "VAULT_PUBKEY"
`))
	require.NoError(t, err)
	require.Len(t, cfg.Signers, 2)
	assert.Equal(t, "primary", cfg.Signers[0].Name)
	assert.True(t, cfg.Signers[0].Default)
	assert.Equal(t, SignerTypeVault, cfg.Signers[1].Type)
}

func TestLoadSignersDefaultStrategy(t *testing.T) {
	cfg, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "only"
type = "memory"
private_key_env = "KORA_KEY"
`))
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, cfg.SignerPool.Strategy)
}

func TestLoadSignersRejectsEmpty(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[signer_pool]
strategy = "round_robin"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one signer")
}

func TestLoadSignersRejectsDuplicateNames(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "same"
type = "memory"
private_key_env = "A"

[[signers]]
name = "same"
type = "memory"
private_key_env = "B"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestLoadSignersRejectsMissingBackendFields(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "broken"
type = "privy"
app_id_env = "PRIVY_APP_ID"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_secret_env")
}

func TestLoadSignersRejectsUnknownType(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "weird"
type = "hsm9000"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown signer type")
}

func TestLoadSignersWeightedStrategy(t *testing.T) {
	cfg, err := LoadSigners(writeSigners(t, `
[signer_pool]
strategy = "weighted"

[[signers]]
name = "light"
type = "memory"
private_key_env = "A"
weight = 1

[[signers]]
name = "heavy"
type = "memory"
private_key_env = "B"
weight = 9
`))
	require.NoError(t, err)
	assert.Equal(t, StrategyWeighted, cfg.SignerPool.Strategy)
	assert.Equal(t, 9, cfg.Signers[1].Weight)
}

func TestLoadSignersRejectsNegativeWeight(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "bad"
type = "memory"
private_key_env = "A"
weight = -2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight")
}

func TestLoadSignersRejectsTwoDefaults(t *testing.T) {
	_, err := LoadSigners(writeSigners(t, `
[[signers]]
name = "a"
type = "memory"
private_key_env = "A"
default = true

[[signers]]
name = "b"
type = "memory"
private_key_env = "B"
default = true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one signer")
}
