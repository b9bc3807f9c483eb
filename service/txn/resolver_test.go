package txn

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xavierScript/kora-go/service/apierr"
)

// mapAccountSource serves lookup-table data from a fixed map.
type mapAccountSource struct {
	data  map[solana.PublicKey][]byte
	calls int
}

func (m *mapAccountSource) AccountData(_ context.Context, key solana.PublicKey) ([]byte, error) {
	m.calls++
	data, ok := m.data[key]
	if !ok {
		return nil, errors.New("account not found")
	}
	return data, nil
}

func lookupTableData(t *testing.T, keys ...solana.PublicKey) []byte {
	t.Helper()
	data := make([]byte, lookupTableMetaSize+len(keys)*solana.PublicKeyLength)
	binary.LittleEndian.PutUint32(data[0:4], 1)
	for i, key := range keys {
		copy(data[lookupTableMetaSize+i*solana.PublicKeyLength:], key.Bytes())
	}
	return data
}

func randomKey(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func TestResolveLegacyIdentity(t *testing.T) {
	tx, payer := newMemoTransaction(t)

	resolved, err := Resolve(context.Background(), tx, nil)
	require.NoError(t, err)

	assert.Equal(t, []solana.PublicKey(tx.Message.AccountKeys), resolved.AccountKeys)
	assert.Equal(t, payer.PublicKey(), resolved.FeePayer())
	assert.True(t, resolved.IsSigner(0))
	assert.True(t, resolved.IsWritable(0))
}

func newV0Transaction(t *testing.T, payer solana.PublicKey, lookups solana.MessageAddressTableLookupSlice) *solana.Transaction {
	t.Helper()
	msg := solana.Message{
		Header: solana.MessageHeader{
			NumRequiredSignatures:       1,
			NumReadonlySignedAccounts:   0,
			NumReadonlyUnsignedAccounts: 1,
		},
		AccountKeys:         []solana.PublicKey{payer, MemoProgramID},
		RecentBlockhash:     solana.Hash{},
		Instructions:        []solana.CompiledInstruction{{ProgramIDIndex: 1, Data: solana.Base58("hi")}},
		AddressTableLookups: lookups,
	}
	msg.SetVersion(solana.MessageVersionV0)
	return &solana.Transaction{
		Signatures: []solana.Signature{{}},
		Message:    msg,
	}
}

func TestResolveV0LookupTables(t *testing.T) {
	payer := randomKey(t)
	table := randomKey(t)
	k0, k1, k2 := randomKey(t), randomKey(t), randomKey(t)

	source := &mapAccountSource{data: map[solana.PublicKey][]byte{
		table: lookupTableData(t, k0, k1, k2),
	}}

	tx := newV0Transaction(t, payer, solana.MessageAddressTableLookupSlice{{
		AccountKey:      table,
		WritableIndexes: []uint8{0, 2},
		ReadonlyIndexes: []uint8{1},
	}})

	resolved, err := Resolve(context.Background(), tx, source)
	require.NoError(t, err)

	// static keys ++ writable loaded ++ readonly loaded
	require.Len(t, resolved.AccountKeys, 2+2+1)
	assert.Equal(t, []solana.PublicKey{payer, MemoProgramID, k0, k2, k1}, resolved.AccountKeys)

	// The lookup split governs writability of loaded keys.
	assert.True(t, resolved.IsWritable(2))
	assert.True(t, resolved.IsWritable(3))
	assert.False(t, resolved.IsWritable(4))
	assert.False(t, resolved.IsSigner(2))
}

func TestResolveV0EmptyIndexSets(t *testing.T) {
	payer := randomKey(t)
	table := randomKey(t)

	source := &mapAccountSource{data: map[solana.PublicKey][]byte{
		table: lookupTableData(t, randomKey(t)),
	}}

	tx := newV0Transaction(t, payer, solana.MessageAddressTableLookupSlice{{
		AccountKey: table,
	}})

	resolved, err := Resolve(context.Background(), tx, source)
	require.NoError(t, err)
	assert.Len(t, resolved.AccountKeys, 2, "empty index sets resolve to an empty extension")
}

func TestResolveV0IndexOutOfRange(t *testing.T) {
	payer := randomKey(t)
	table := randomKey(t)

	source := &mapAccountSource{data: map[solana.PublicKey][]byte{
		table: lookupTableData(t, randomKey(t)),
	}}

	tx := newV0Transaction(t, payer, solana.MessageAddressTableLookupSlice{{
		AccountKey:      table,
		WritableIndexes: []uint8{5},
	}})

	_, err := Resolve(context.Background(), tx, source)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindResolutionIOFailure))
}

func TestResolveV0MissingTable(t *testing.T) {
	payer := randomKey(t)

	tx := newV0Transaction(t, payer, solana.MessageAddressTableLookupSlice{{
		AccountKey:      randomKey(t),
		WritableIndexes: []uint8{0},
	}})

	_, err := Resolve(context.Background(), tx, &mapAccountSource{})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindLookupTableMissing))
}

func TestResolveV0DuplicateTableFetchedOnce(t *testing.T) {
	payer := randomKey(t)
	table := randomKey(t)
	k0, k1 := randomKey(t), randomKey(t)

	source := &mapAccountSource{data: map[solana.PublicKey][]byte{
		table: lookupTableData(t, k0, k1),
	}}

	tx := newV0Transaction(t, payer, solana.MessageAddressTableLookupSlice{
		{AccountKey: table, WritableIndexes: []uint8{0}},
		{AccountKey: table, ReadonlyIndexes: []uint8{1}},
	})

	resolved, err := Resolve(context.Background(), tx, source)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls, "a table referenced twice is fetched once")
	assert.Equal(t, []solana.PublicKey{payer, MemoProgramID, k0, k1}, resolved.AccountKeys)
}

func TestParseLookupTableRejectsWrongType(t *testing.T) {
	table := randomKey(t)
	data := lookupTableData(t, randomKey(t))
	binary.LittleEndian.PutUint32(data[0:4], 0)

	_, err := parseLookupTableKeys(table, data)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindResolutionIOFailure))
}
