package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)

	_, err := m.Get(ctx, "missing")
	assert.True(t, IsMiss(err))

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	value, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)

	current := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return current }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Second))

	// Two reads within the TTL return bytewise-identical values.
	first, err := m.Get(ctx, "k")
	require.NoError(t, err)
	second, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	current = current.Add(11 * time.Second)
	_, err = m.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(8)
	current := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return current }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	current = current.Add(1000 * time.Hour)
	_, err := m.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemoryEvictsLRU(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, err := m.Get(ctx, "a")
	assert.True(t, IsMiss(err), "oldest entry is evicted at capacity")
}
