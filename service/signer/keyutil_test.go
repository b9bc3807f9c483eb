package signer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrivateKeyBase58(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), parsed.PublicKey())
}

func TestParsePrivateKeyJSONArray(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	parts := make([]string, len(key))
	for i, b := range key {
		parts[i] = fmt.Sprintf("%d", b)
	}
	input := "[" + strings.Join(parts, ", ") + "]"

	parsed, err := ParsePrivateKey(input)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), parsed.PublicKey())
}

func TestParsePrivateKeyFilePath(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	content, err := json.Marshal([]byte(key))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keypair.json")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	parsed, err := ParsePrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), parsed.PublicKey())
}

func TestParsePrivateKeyRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"short array":      "[1, 2, 3]",
		"invalid json":     "{not json}",
		"missing file":     "/nonexistent/keypair.json",
		"truncated base58": "abc",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePrivateKey(input)
			assert.Error(t, err)
		})
	}
}

func TestParsePrivateKeyRejectsMismatchedHalves(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	corrupt := make([]byte, 64)
	copy(corrupt, key)
	corrupt[63] ^= 0xff

	content, err := json.Marshal(corrupt)
	require.NoError(t, err)
	_, err = parseJSONKeypair(string(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public half")
}
