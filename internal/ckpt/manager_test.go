package ckpt

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnicolae/blobcr/internal/ckptconfig"
	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/internal/transport/loopback"
)

func newTestManager(t *testing.T, cfg ckptconfig.Config) (*Manager, func()) {
	t.Helper()
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = t.TempDir()
	}
	if cfg.COWSizeLog2 == 0 {
		cfg.COWSizeLog2 = 20 // 1MiB pool, plenty for these tests
	}
	mesh := loopback.NewMesh(1)
	m, err := New(cfg, mesh.Rank(0), nil)
	require.NoError(t, err)
	return m, func() { require.NoError(t, m.Close()) }
}

func TestAddRegionTracksPagesCommitted(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize * 2)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)

	require.NoError(t, m.AddRegion(addr, m.pageSize*2))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.pages, 2)
	for _, info := range m.pages {
		require.Equal(t, StateCommitted, info.state)
	}
}

func TestAddRegionRejectsUnalignedSize(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	err := m.AddRegion(0x1000, 7)
	require.Error(t, err)
}

func TestHandleFaultOutsideTrackedRegionReturnsFalse(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	require.False(t, m.HandleFault(0xdeadbeef))
}

func TestHandleFaultOnCommittedPageIsDelayedWhenIdle(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.NoError(t, m.AddRegion(addr, m.pageSize))

	require.True(t, m.HandleFault(addr))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, 1, m.statsDely)
	require.Len(t, m.newTouched, 1)
	require.Equal(t, KindDelayed, m.newTouched[0].kind)
}

func TestCheckpointSchedulesAndCommitsTouchedPage(t *testing.T) {
	cfg := ckptconfig.Config{Incremental: true}
	m, done := newTestManager(t, cfg)
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.NoError(t, m.AddRegion(addr, m.pageSize))

	// the region is protected read-only (incremental mode): writing to it
	// faults, which HandleFault must service before the write can retry.
	faulted, faultAddr, err := pagefault.Guard(func() { mem[0] = 0x42 })
	require.NoError(t, err)
	require.True(t, faulted)
	require.Equal(t, addr, pagefault.PageBase(faultAddr, m.pageSize))
	require.True(t, m.HandleFault(faultAddr))
	mem[0] = 0x42

	ctx := context.Background()
	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, m.WaitForCompletion(ctx))

	m.mu.Lock()
	info := m.pages[addr]
	seq := m.seqNo
	m.mu.Unlock()
	require.Equal(t, StateCommitted, info.state)
	require.Equal(t, 1, seq)

	data, err := os.ReadFile(m.cfg.PathPrefix + "/blobcr-ckpt-0-0.dat")
	require.NoError(t, err)
	require.Equal(t, mem[:m.pageSize], data)
}

func TestCheckpointFullModeWritesEveryTrackedPage(t *testing.T) {
	cfg := ckptconfig.Config{}
	m, done := newTestManager(t, cfg)
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize * 3)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.NoError(t, m.AddRegion(addr, m.pageSize*3))

	ctx := context.Background()
	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, m.WaitForCompletion(ctx))

	info, err := os.Stat(m.cfg.PathPrefix + "/blobcr-ckpt-0-0.dat")
	require.NoError(t, err)
	require.EqualValues(t, m.pageSize*3, info.Size())
}

func TestCheckpointWithDedupDropsDuplicatePages(t *testing.T) {
	cfg := ckptconfig.Config{Dedup: true}
	m, done := newTestManager(t, cfg)
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize * 2)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.NoError(t, m.AddRegion(addr, m.pageSize*2))
	// both pages start zeroed: identical content, so only one should survive dedup.

	ctx := context.Background()
	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, m.WaitForCompletion(ctx))

	info, err := os.Stat(m.cfg.PathPrefix + "/blobcr-ckpt-0-0.dat")
	require.NoError(t, err)
	require.EqualValues(t, m.pageSize, info.Size())
}

func TestRemoveRegionWaitsForCommitThenUnprotects(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	mem, addr, err := pagefault.AnonMap(m.pageSize)
	require.NoError(t, err)
	defer pagefault.Unmap(mem)
	require.NoError(t, m.AddRegion(addr, m.pageSize))

	require.NoError(t, m.RemoveRegion(addr, m.pageSize))

	m.mu.Lock()
	_, tracked := m.pages[addr]
	m.mu.Unlock()
	require.False(t, tracked)

	mem[0] = 0x7 // must not fault: protection was restored to read-write
	require.Equal(t, byte(0x7), mem[0])
}

func TestDisplayStatsRendersRankAndSeq(t *testing.T) {
	m, done := newTestManager(t, ckptconfig.Config{})
	defer done()

	s := m.DisplayStats()
	require.Contains(t, s, "rank = 0")
	require.Contains(t, s, "seq_no = 0")
}
