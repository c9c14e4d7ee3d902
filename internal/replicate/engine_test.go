package replicate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnicolae/blobcr/internal/transport/loopback"
)

func TestShuffleRanksIsAPermutation(t *testing.T) {
	loadInfo := [][]int{
		{0, 5},
		{0, 1},
		{0, 9},
		{0, 0},
	}
	shuffleIndex, myRank := shuffleRanks(loadInfo, 2, 2)

	seen := make(map[int]bool)
	for _, r := range shuffleIndex {
		require.False(t, seen[r], "rank %d appears twice in shuffle", r)
		seen[r] = true
	}
	require.Len(t, shuffleIndex, len(loadInfo))
	require.Equal(t, 2, shuffleIndex[myRank])
}

func TestEngineReplicatesPageToPeer(t *testing.T) {
	const n = 3
	const k = 2
	const pageSize = 8
	mesh := loopback.NewMesh(n)
	dir := t.TempDir()

	engines := make([]*Engine, n)
	for r := 0; r < n; r++ {
		engines[r] = New(mesh.Rank(r), k, pageSize)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = engines[r].Init(ctx, dir, 0, []int{0, 1})
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			page := make([]byte, pageSize)
			for i := range page {
				page[i] = byte(r)
			}
			errs[r] = engines[r].PutPage(ctx, page, 1)
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = engines[r].Finalize(ctx)
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestPutPageSkipsWhenRankListAlreadyFull(t *testing.T) {
	const n = 2
	const k = 2
	mesh := loopback.NewMesh(n)
	dir := t.TempDir()
	ctx := context.Background()

	e := New(mesh.Rank(0), k, 8)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = e.Init(ctx, dir, 0, []int{0, 0}) }()
	other := New(mesh.Rank(1), k, 8)
	go func() { defer wg.Done(); _ = other.Init(ctx, dir, 0, []int{0, 0}) }()
	wg.Wait()

	// rank list already has k members: no further copies should be sent.
	require.NoError(t, e.PutPage(ctx, make([]byte, 8), k))
}

func TestReplicationDisabledWhenFactorIsOne(t *testing.T) {
	mesh := loopback.NewMesh(1)
	e := New(mesh.Rank(0), 1, 8)
	require.False(t, e.Enabled())
	require.NoError(t, e.Init(context.Background(), t.TempDir(), 0, []int{0}))
	require.Nil(t, e.Window())
	require.NoError(t, e.PutPage(context.Background(), make([]byte, 8), 1))
	require.NoError(t, e.Finalize(context.Background()))
}
