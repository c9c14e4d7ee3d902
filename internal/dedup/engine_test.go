package dedup

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnicolae/blobcr/internal/transport/loopback"
)

func page(fill byte) []byte {
	p := make([]byte, 4096)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestProcessPageDeduplicatesIdenticalContent(t *testing.T) {
	e := New(0, 1, nil)

	e.ProcessPage(0x1000, page('A'))
	e.ProcessPage(0x2000, page('A'))
	e.ProcessPage(0x3000, page('B'))

	require.True(t, e.CheckPage(0x1000))
	require.False(t, e.CheckPage(0x2000))
	require.True(t, e.CheckPage(0x3000))

	e.FinalizeLocal()
	local, _, total := e.Stats()
	require.Equal(t, 2, local)
	require.Equal(t, 3, total)
}

func TestEncodeDecodeSetRoundTrips(t *testing.T) {
	entries := []*Entry{
		{Digest: computeDigest(page('A')), PageAddr: 0x1000, Count: 3, Ranks: []int{0, 2}},
		{Digest: computeDigest(page('B')), PageAddr: 0x2000, Count: 1, Ranks: []int{1}},
	}

	decoded, err := decodeSet(encodeSet(entries))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i, e := range entries {
		require.Equal(t, e.Digest, decoded[i].Digest)
		require.Equal(t, e.PageAddr, decoded[i].PageAddr)
		require.Equal(t, e.Count, decoded[i].Count)
		require.Equal(t, e.Ranks, decoded[i].Ranks)
	}
}

func TestMergeSetsSumsCountsAndMergesRankLists(t *testing.T) {
	shared := computeDigest(page('S'))
	x := []*Entry{
		{Digest: shared, PageAddr: 0x1000, Count: 1, Ranks: []int{0}},
		{Digest: computeDigest(page('X')), PageAddr: 0x3000, Count: 1, Ranks: []int{0}},
	}
	y := []*Entry{
		{Digest: shared, PageAddr: 0x2000, Count: 1, Ranks: []int{1}},
		{Digest: computeDigest(page('Y')), PageAddr: 0x4000, Count: 1, Ranks: []int{1}},
	}

	merged := mergeSets(x, y, 2)
	require.Len(t, merged, 3)

	var sharedEntry *Entry
	for _, e := range merged {
		if e.Digest == shared {
			sharedEntry = e
		}
	}
	require.NotNil(t, sharedEntry)
	require.Equal(t, uint32(2), sharedEntry.Count)
	require.ElementsMatch(t, []int{0, 1}, sharedEntry.Ranks)
}

func TestMergeSetsTruncatesRankListToReplicationFactor(t *testing.T) {
	shared := computeDigest(page('S'))
	x := []*Entry{{Digest: shared, PageAddr: 0x1000, Count: 1, Ranks: []int{0}}}
	y := []*Entry{{Digest: shared, PageAddr: 0x2000, Count: 1, Ranks: []int{1}}}

	merged := mergeSets(x, y, 1)
	require.Len(t, merged, 1)
	require.Len(t, merged[0].Ranks, 1)
}

func TestGlobalDedupConvergesAcrossRanks(t *testing.T) {
	const n = 3
	mesh := loopback.NewMesh(n)

	engines := make([]*Engine, n)
	for r := 0; r < n; r++ {
		engines[r] = New(r, 2, nil)
	}

	// every rank has an identical page at a different local address, plus
	// one unique page of its own.
	for r := 0; r < n; r++ {
		engines[r].ProcessPage(uintptr(0x1000+r), page('S'))
		engines[r].ProcessPage(uintptr(0x9000+r), page(byte('a'+r)))
		engines[r].FinalizeLocal()
	}

	errs := make([]error, n)
	done := make(chan int, n)
	for r := 0; r < n; r++ {
		go func(r int) {
			errs[r] = engines[r].GlobalDedup(context.Background(), mesh.Rank(r))
			done <- r
		}(r)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	for _, err := range errs {
		require.NoError(t, err)
	}

	// the shared page must survive on at least one rank and on at most
	// k=2 ranks: every merge truncates its rank list to k. (With this
	// loopback fold order the final rank list is [2, 1].)
	survivors := 0
	for r := 0; r < n; r++ {
		if engines[r].CheckPage(uintptr(0x1000 + r)) {
			survivors++
		}
	}
	require.GreaterOrEqual(t, survivors, 1)
	require.LessOrEqual(t, survivors, 2)

	// every rank's own unique page always survives.
	for r := 0; r < n; r++ {
		require.True(t, engines[r].CheckPage(uintptr(0x9000+r)), "rank %d's unique page should survive", r)
	}
}

func TestStatsString(t *testing.T) {
	e := New(0, 1, nil)
	e.ProcessPage(0x1000, page('A'))
	e.ProcessPage(0x2000, page('A'))
	e.FinalizeLocal()
	require.Equal(t, "local = 1/2, global = 0/2", e.StatsString())
}

func TestComputeDigestIsDeterministic(t *testing.T) {
	a := computeDigest(page('Z'))
	b := computeDigest(page('Z'))
	require.True(t, bytes.Equal(a[:], b[:]))
}
