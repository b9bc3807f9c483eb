package signer

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
)

// Memory signs locally with an in-process ed25519 keypair.
type Memory struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

// NewMemory builds the in-memory backend from its config, reading the
// private key from the named environment variable.
func NewMemory(cfg *config.SignerConfig) (*Memory, error) {
	secret, err := envValue(cfg.PrivateKeyEnv)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return NewMemoryFromKey(key), nil
}

// NewMemoryFromKey wraps an already-parsed keypair.
func NewMemoryFromKey(key solana.PrivateKey) *Memory {
	return &Memory{key: key, pub: key.PublicKey()}
}

func (m *Memory) PublicKey() solana.PublicKey { return m.pub }

func (m *Memory) SignMessage(_ context.Context, message []byte) (solana.Signature, error) {
	sig, err := m.key.Sign(message)
	if err != nil {
		return solana.Signature{}, apierr.Wrap(apierr.KindSignerBackend, err, "local signing failed")
	}
	return sig, nil
}
