package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotPoolZeroCapacityAlwaysFull(t *testing.T) {
	pool, err := NewSlotPool(4096, 0)
	require.NoError(t, err)
	defer pool.Close()

	_, _, ok := pool.Alloc(make([]byte, 4096))
	require.False(t, ok, "a zero-capacity pool must never allocate")
}

func TestSlotPoolAllocFreeRoundTrip(t *testing.T) {
	const pageSize = 4096
	pool, err := NewSlotPool(pageSize, 2)
	require.NoError(t, err)
	defer pool.Close()

	src := make([]byte, pageSize)
	for i := range src {
		src[i] = 0xAB
	}

	buf1, idx1, ok := pool.Alloc(src)
	require.True(t, ok)
	require.Equal(t, src, buf1)
	require.Equal(t, 1, pool.InUse())

	_, idx2, ok := pool.Alloc(src)
	require.True(t, ok)
	require.NotEqual(t, idx1, idx2)
	require.Equal(t, 2, pool.InUse())

	// pool now exhausted
	_, _, ok = pool.Alloc(src)
	require.False(t, ok)

	pool.Free(idx1)
	require.Equal(t, 1, pool.InUse())

	_, _, ok = pool.Alloc(src)
	require.True(t, ok)
}

func TestBumpAllocatorExhaustionPanics(t *testing.T) {
	b, err := NewBump(8192)
	require.NoError(t, err)
	defer b.Close()

	_ = b.Alloc(4096)
	require.Equal(t, 4096, b.Len())

	require.Panics(t, func() {
		b.Alloc(8192)
	})
}
