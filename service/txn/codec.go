// Package txn implements the transaction wire codec, address-lookup
// resolution, and instruction-level parsing shared by the policy engine,
// the fee calculator, and the payment verifier.
package txn

import (
	"encoding/base64"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/xavierScript/kora-go/service/apierr"
)

// MaxTransactionBytes is the chain's packet size limit. Anything larger can
// never land on chain, so it is rejected before decoding.
const MaxTransactionBytes = 1232

// Well-known program and sysvar addresses.
var (
	SystemProgramID          = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	TokenProgramID           = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID   = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	MemoProgramID            = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	SysvarRentID             = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	SysvarRecentBlockhashes  = solana.MustPublicKeyFromBase58("SysvarRecentB1ockHashes11111111111111111111")
)

// NativeSOLMint is the wrapped-SOL mint address used when a fee is quoted
// in native units.
var NativeSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// DecodeBase64Transaction decodes a base64-encoded wire transaction,
// accepting both legacy and v0 message formats.
func DecodeBase64Transaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindMalformedWire, err, "transaction is not valid base64")
	}
	return DecodeTransaction(raw)
}

// DecodeTransaction decodes raw wire bytes into a transaction.
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	if len(raw) == 0 {
		return nil, apierr.New(apierr.KindMalformedWire, "empty transaction")
	}
	if len(raw) > MaxTransactionBytes {
		return nil, apierr.New(apierr.KindOversizeTransaction,
			"transaction size %d exceeds limit %d", len(raw), MaxTransactionBytes)
	}
	if version, versioned := peekMessageVersion(raw); versioned && version != 0 {
		return nil, apierr.New(apierr.KindUnsupportedVersion,
			"unsupported transaction version %d", version)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindMalformedWire, err, "failed to decode transaction")
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, apierr.New(apierr.KindMalformedWire, "transaction has no account keys")
	}
	return tx, nil
}

// EncodeTransactionBase64 serializes a transaction back to its base64 wire
// form. Round-trips byte-identically with DecodeBase64Transaction for any
// valid input.
func EncodeTransactionBase64(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "failed to encode transaction")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// peekMessageVersion inspects the message prefix byte without a full decode.
// The message starts after the shortvec-prefixed signature block; a prefix
// byte with the high bit set marks a versioned message, the low 7 bits carry
// the version number.
func peekMessageVersion(raw []byte) (version uint8, versioned bool) {
	count, n := decodeShortVecLen(raw)
	if n == 0 {
		return 0, false
	}
	offset := n + count*64
	if offset >= len(raw) {
		return 0, false
	}
	prefix := raw[offset]
	if prefix&0x80 == 0 {
		return 0, false
	}
	return prefix & 0x7f, true
}

// decodeShortVecLen reads a compact-u16 length prefix, returning the value
// and the number of bytes consumed (0 on malformed input).
func decodeShortVecLen(raw []byte) (value, consumed int) {
	for i := 0; i < 3 && i < len(raw); i++ {
		b := int(raw[i])
		value |= (b & 0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}
