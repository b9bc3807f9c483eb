package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ParsePrivateKey accepts a private key in any of the supported input
// formats, auto-detected in order:
//   - a filesystem path to a JSON keypair file,
//   - a JSON array of 64 byte values ("[12, 34, ...]"),
//   - a base58-encoded 64-byte keypair.
func ParsePrivateKey(input string) (solana.PrivateKey, error) {
	if content, err := os.ReadFile(input); err == nil {
		return parseJSONKeypair(string(content))
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return parseJSONKeypair(trimmed)
	}

	return parseBase58Key(trimmed)
}

func parseBase58Key(input string) (solana.PrivateKey, error) {
	decoded, err := base58.Decode(input)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 private key: %w", err)
	}
	return keypairFromBytes(decoded)
}

func parseJSONKeypair(content string) (solana.PrivateKey, error) {
	var raw []byte
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON keypair: expected an array of 64 byte values: %w", err)
	}
	return keypairFromBytes(raw)
}

func keypairFromBytes(raw []byte) (solana.PrivateKey, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(raw))
	}
	// A keypair's trailing 32 bytes must be the public key derived from
	// the seed; mismatches mean corrupt or truncated input.
	derived := ed25519.NewKeyFromSeed(raw[:32])
	if !bytes.Equal(derived[32:], raw[32:]) {
		return nil, fmt.Errorf("invalid private key bytes: public half does not match seed")
	}
	return solana.PrivateKey(raw), nil
}
