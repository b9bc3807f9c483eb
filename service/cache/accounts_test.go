package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xavierScript/kora-go/service/chain"
)

// mockFetcher serves accounts from a map and counts chain hits.
type mockFetcher struct {
	accounts map[solana.PublicKey]*chain.Account
	calls    int
	failures int // errors to return before succeeding
}

func (m *mockFetcher) GetAccount(_ context.Context, key solana.PublicKey) (*chain.Account, error) {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("transient RPC failure")
	}
	account, ok := m.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return account, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) solana.PublicKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func TestAccountsFetchThrough(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	fetcher := &mockFetcher{accounts: map[solana.PublicKey]*chain.Account{
		key: {Owner: testKey(t), Lamports: 42, Data: []byte{1, 2, 3}},
	}}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	first, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), first.Lamports)
	assert.Equal(t, 1, fetcher.calls)

	// Second read within TTL is served from cache.
	second, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, fetcher.calls)
}

func TestAccountsInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	fetcher := &mockFetcher{accounts: map[solana.PublicKey]*chain.Account{
		key: {Lamports: 1, Data: []byte{1}},
	}}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	_, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)

	store.Invalidate(ctx, key)

	_, err = store.Get(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls, "invalidate forces the next read to refetch")
}

func TestAccountsBypassCache(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	fetcher := &mockFetcher{accounts: map[solana.PublicKey]*chain.Account{
		key: {Lamports: 1},
	}}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	_, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	_, err = store.Get(ctx, key, true)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestAccountsRetriesTransientFailureOnce(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)
	fetcher := &mockFetcher{
		accounts: map[solana.PublicKey]*chain.Account{key: {Lamports: 9}},
		failures: 1,
	}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	account, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), account.Lamports)
	assert.Equal(t, 2, fetcher.calls)
}

func TestAccountsNotFoundIsNotRetried(t *testing.T) {
	ctx := context.Background()
	fetcher := &mockFetcher{}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	_, err := store.Get(ctx, testKey(t), false)
	require.Error(t, err)
	assert.True(t, chain.IsNotFound(err))
	assert.Equal(t, 1, fetcher.calls)
}

func TestMintDecimals(t *testing.T) {
	ctx := context.Background()
	mint := testKey(t)
	data := make([]byte, 82)
	data[44] = 6
	fetcher := &mockFetcher{accounts: map[solana.PublicKey]*chain.Account{
		mint: {Data: data},
	}}
	store := NewAccounts(NewMemory(8), fetcher, time.Minute, nil, discardLogger())

	decimals, err := store.MintDecimals(ctx, mint)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)
}
