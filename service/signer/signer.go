// Package signer implements the signing backends and the pool that selects
// between them. Entries are immutable after construction and safe for
// concurrent use; each backend manages its own transport.
package signer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
)

// Signer is the unified signing contract every backend provides.
type Signer interface {
	// PublicKey returns the backend's stable public address.
	PublicKey() solana.PublicKey
	// SignMessage signs raw message bytes, returning the 64-byte ed25519
	// signature.
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
}

// SignTransaction serializes the transaction's message, obtains a signature
// from the backend, and places it in the slot belonging to the backend's
// public key. The transaction is not otherwise mutated.
func SignTransaction(ctx context.Context, s Signer, tx *solana.Transaction) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to serialize message")
	}

	pub := s.PublicKey()
	numRequired := int(tx.Message.Header.NumRequiredSignatures)
	slot := -1
	for i := 0; i < numRequired && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(pub) {
			slot = i
			break
		}
	}
	if slot == -1 {
		return apierr.New(apierr.KindSignerBackend,
			"signer %s is not a required signer of this transaction", pub)
	}

	sig, err := s.SignMessage(ctx, message)
	if err != nil {
		return err
	}

	// The signature block is a fixed-length prefix; missing slots stay
	// zero-filled.
	for len(tx.Signatures) < numRequired {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	tx.Signatures[slot] = sig
	return nil
}

// Remote backends retry transient failures with exponential backoff, at
// most maxSignAttempts attempts total.
const (
	maxSignAttempts  = 3
	signRetryBaseDur = 200 * time.Millisecond
)

// signWithRetry runs fn with bounded exponential backoff, respecting
// context cancellation between attempts.
func signWithRetry(ctx context.Context, fn func() (solana.Signature, error)) (solana.Signature, error) {
	var lastErr error
	delay := signRetryBaseDur
	for attempt := 0; attempt < maxSignAttempts; attempt++ {
		sig, err := fn()
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if attempt < maxSignAttempts-1 {
			select {
			case <-ctx.Done():
				return solana.Signature{}, apierr.Wrap(apierr.KindTimeout, ctx.Err(), "signing cancelled")
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return solana.Signature{}, apierr.Wrap(apierr.KindSignerBackend, lastErr,
		"signing failed after %d attempts", maxSignAttempts)
}

// envValue reads a required environment variable named by a config field.
func envValue(envName string) (string, error) {
	value, ok := os.LookupEnv(envName)
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	return value, nil
}
