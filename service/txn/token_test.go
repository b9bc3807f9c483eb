package txn

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenAccountData(t *testing.T, mint, owner solana.PublicKey, amount uint64) []byte {
	t.Helper()
	data := make([]byte, tokenAccountBaseSize)
	copy(data[0:32], mint.Bytes())
	copy(data[32:64], owner.Bytes())
	binary.LittleEndian.PutUint64(data[64:72], amount)
	data[108] = 1 // AccountState::Initialized
	return data
}

func mintData(t *testing.T, decimals uint8) []byte {
	t.Helper()
	data := make([]byte, mintBaseSize)
	data[44] = decimals
	data[45] = 1
	return data
}

// withTLV appends an account-type byte and TLV entries to base-layout data.
func withTLV(base []byte, entries ...[]byte) []byte {
	padded := make([]byte, accountTypeOffset)
	copy(padded, base)
	out := append(padded, 1)
	for _, entry := range entries {
		out = append(out, entry...)
	}
	return out
}

func tlvEntry(ext ExtensionType, value []byte) []byte {
	entry := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint16(entry[0:2], uint16(ext))
	binary.LittleEndian.PutUint16(entry[2:4], uint16(len(value)))
	copy(entry[4:], value)
	return entry
}

func TestUnpackTokenAccount(t *testing.T) {
	mint, owner := randomKey(t), randomKey(t)
	data := tokenAccountData(t, mint, owner, 1_234)

	account, err := UnpackTokenAccount(data)
	require.NoError(t, err)
	assert.Equal(t, mint, account.Mint)
	assert.Equal(t, owner, account.Owner)
	assert.Equal(t, uint64(1_234), account.Amount)
	assert.False(t, account.Frozen)

	_, err = UnpackTokenAccount(data[:100])
	require.Error(t, err)
}

func TestUnpackMint(t *testing.T) {
	data := mintData(t, 9)
	mint, err := UnpackMint(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), mint.Decimals)
	assert.True(t, mint.Initialized)
	assert.Nil(t, mint.MintAuthority)

	_, err = UnpackMint(data[:40])
	require.Error(t, err)
}

func TestExtensionTypesWalk(t *testing.T) {
	base := mintData(t, 6)
	data := withTLV(base,
		tlvEntry(ExtensionTransferFeeConfig, make([]byte, transferFeeConfigSize)),
		tlvEntry(ExtensionTransferHook, make([]byte, 64)),
	)

	exts := ExtensionTypes(data)
	assert.Equal(t, []ExtensionType{ExtensionTransferFeeConfig, ExtensionTransferHook}, exts)

	// Base-layout data has no extensions.
	assert.Nil(t, ExtensionTypes(base))
}

func TestFindTransferFeeConfig(t *testing.T) {
	value := make([]byte, transferFeeConfigSize)
	// older: epoch 0, max fee 1_000, 100 bps
	binary.LittleEndian.PutUint64(value[72:80], 0)
	binary.LittleEndian.PutUint64(value[80:88], 1_000)
	binary.LittleEndian.PutUint16(value[88:90], 100)
	// newer: epoch 10, max fee 5_000, 250 bps
	binary.LittleEndian.PutUint64(value[90:98], 10)
	binary.LittleEndian.PutUint64(value[98:106], 5_000)
	binary.LittleEndian.PutUint16(value[106:108], 250)

	data := withTLV(mintData(t, 6), tlvEntry(ExtensionTransferFeeConfig, value))

	cfg, ok := FindTransferFeeConfig(data)
	require.True(t, ok)
	assert.Equal(t, uint16(100), cfg.Older.BasisPoints)
	assert.Equal(t, uint16(250), cfg.Newer.BasisPoints)

	// Old schedule before the newer epoch: ceil(10_000 × 100 / 10_000) = 100.
	assert.Equal(t, uint64(100), cfg.FeeFor(10_000, 5))
	// New schedule from epoch 10: ceil(10_000 × 250 / 10_000) = 250.
	assert.Equal(t, uint64(250), cfg.FeeFor(10_000, 10))
	// Cap at max fee.
	assert.Equal(t, uint64(5_000), cfg.FeeFor(100_000_000, 10))
	// Rounds up.
	assert.Equal(t, uint64(1), cfg.FeeFor(1, 10))
}

func TestFindTransferFeeConfigAbsent(t *testing.T) {
	_, ok := FindTransferFeeConfig(mintData(t, 6))
	assert.False(t, ok)
}

func TestExtensionNameParsing(t *testing.T) {
	ext, ok := ParseMintExtensionName("transfer_fee_config")
	require.True(t, ok)
	assert.Equal(t, ExtensionTransferFeeConfig, ext)

	_, ok = ParseMintExtensionName("transfer_fee_amount")
	assert.False(t, ok, "account extensions are not valid mint extensions")

	ext, ok = ParseAccountExtensionName("memo_transfer")
	require.True(t, ok)
	assert.Equal(t, ExtensionMemoTransfer, ext)

	_, ok = ParseAccountExtensionName("bogus")
	assert.False(t, ok)
}
