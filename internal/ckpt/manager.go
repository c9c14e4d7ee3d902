// Package ckpt implements the Region/Page Manager: the component that
// tracks which pages are checkpoint-protected, services page faults
// (spec.md §4.1's COW/WAIT/AFTER/DELAYED state machine), deduplicates
// candidate pages when a checkpoint starts, and drives a background
// writer that flushes the scheduled survivors and replicates them to
// peers. Grounded on the reference
// implementation's region_manager (original_source/lib/region_manager.cpp):
// add_region/remove_region map onto AddRegion/RemoveRegion, handle_segfault
// onto HandleFault, and checkpoint/async_io_exec/handle_page onto
// Checkpoint and the writer goroutine started by New.
package ckpt

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bnicolae/blobcr/internal/ckptconfig"
	"github.com/bnicolae/blobcr/internal/ckptlog"
	"github.com/bnicolae/blobcr/internal/dedup"
	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/internal/replicate"
	"github.com/bnicolae/blobcr/internal/slab"
	"github.com/bnicolae/blobcr/internal/transport"
)

// Manager is the per-rank checkpoint engine: one Manager tracks every
// registered region, drives the fault handler, and owns the background
// writer goroutine for the lifetime of the process.
type Manager struct {
	cfg      ckptconfig.Config
	pageSize int
	rank     int
	replK    int

	tr   transport.Transport
	dup  *dedup.Engine
	repl *replicate.Engine
	log  *ckptlog.Logger

	meta    *slab.Bump
	cowPool *slab.SlotPool

	mu       sync.Mutex
	pageCond *sync.Cond
	workCond *sync.Cond

	pages        map[uintptr]*pageInfo
	touched      []touchEntry
	newTouched   []touchEntry
	rankListSize map[uintptr]int

	seqNo                int
	checkpointInProgress  bool
	closed                bool
	totalMemSize          uint64
	statsCOW, statsWait   int
	statsAfter, statsDely int
	committedPages        int

	writerDone chan struct{}
}

// New builds a Manager bound to tr (the group-communication transport used
// by the dedup and replication engines) and starts its background writer
// goroutine. The caller must eventually call Close.
func New(cfg ckptconfig.Config, tr transport.Transport, log *ckptlog.Logger) (*Manager, error) {
	pageSize := pagefault.PageSize()

	meta, err := slab.NewBump(ckptconfig.BumpAllocatorSize)
	if err != nil {
		return nil, err
	}

	cowCapacity := int(cfg.COWPoolBytes()) / pageSize
	var cowPool *slab.SlotPool
	if cowCapacity > 0 {
		backing := meta.Alloc(cowCapacity * pageSize)
		cowPool, err = slab.NewSlotPoolFromBuffer(backing, pageSize, cowCapacity)
	} else {
		cowPool, err = slab.NewSlotPool(pageSize, 0)
	}
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	replK := cfg.ReplicationFactor
	if replK < 1 {
		replK = 1
	}

	m := &Manager{
		cfg:          cfg,
		pageSize:     pageSize,
		rank:         tr.Rank(),
		replK:        replK,
		tr:           tr,
		dup:          dedup.New(tr.Rank(), replK, log),
		repl:         replicate.New(tr, replK, pageSize),
		log:          log,
		meta:         meta,
		cowPool:      cowPool,
		pages:        make(map[uintptr]*pageInfo),
		rankListSize: make(map[uintptr]int),
		writerDone:   make(chan struct{}),
	}
	m.pageCond = sync.NewCond(&m.mu)
	m.workCond = sync.NewCond(&m.mu)

	go m.writerLoop()
	return m, nil
}

// AddRegion begins tracking size bytes of memory starting at addr, in the
// Committed state. In incremental mode the region is immediately made
// read-only, so the first write to each page raises a fault; in full mode
// (the default) pages stay writable until a checkpoint schedules them.
func (m *Manager) AddRegion(addr uintptr, size int) error {
	if size <= 0 || size%m.pageSize != 0 {
		return fmt.Errorf("ckpt: region size %d is not a positive multiple of the page size %d", size, m.pageSize)
	}

	m.mu.Lock()
	for a := addr; a < addr+uintptr(size); a += uintptr(m.pageSize) {
		if _, exists := m.pages[a]; exists {
			m.mu.Unlock()
			return fmt.Errorf("ckpt: page 0x%x is already tracked", a)
		}
	}
	for a := addr; a < addr+uintptr(size); a += uintptr(m.pageSize) {
		m.pages[a] = &pageInfo{state: StateCommitted, cowIndex: -1}
	}
	m.totalMemSize += uint64(size)
	m.mu.Unlock()

	if m.cfg.Incremental {
		if err := pagefault.Protect(addr, size, false); err != nil {
			return fmt.Errorf("ckpt: protect new region: %w", err)
		}
	}
	return nil
}

// RemoveRegion stops tracking size bytes of memory starting at addr,
// blocking for any page still mid-checkpoint, then restores read-write
// access.
func (m *Manager) RemoveRegion(addr uintptr, size int) error {
	for a := addr; a < addr+uintptr(size); a += uintptr(m.pageSize) {
		m.mu.Lock()
		info, ok := m.pages[a]
		if !ok {
			m.mu.Unlock()
			continue
		}
		for info.state != StateCommitted {
			m.pageCond.Wait()
		}
		delete(m.pages, a)
		m.totalMemSize -= uint64(m.pageSize)
		m.mu.Unlock()
	}
	return pagefault.Protect(addr, size, true)
}

// HandleFault services a fault at addr against the tracked page map,
// implementing spec.md §4.1's state table. It returns false if addr falls
// outside any tracked region, signaling the caller (an internal/pagefault
// Guard site, or the public pkg/blobcr HandleFault surface) to re-raise the
// fault rather than silently swallow it.
func (m *Manager) HandleFault(addr uintptr) bool {
	buff := pagefault.PageBase(addr, m.pageSize)

	m.mu.Lock()
	info, ok := m.pages[buff]
	if !ok {
		m.mu.Unlock()
		return false
	}

	var kind AccessKind
	switch info.state {
	case StateScheduled:
		cowed := false
		if m.cowPool.Capacity() > 0 {
			if buf, idx, ok2 := m.cowPool.Alloc(pagefault.Slice(buff, m.pageSize)); ok2 {
				info.cow = buf
				info.cowIndex = idx
				kind = KindCOW
				m.statsCOW++
				cowed = true
			}
		}
		if !cowed {
			for info.state != StateCommitted {
				m.pageCond.Wait()
			}
			kind = KindWait
			m.statsWait++
		}
	case StateInProgress:
		for info.state != StateCommitted {
			m.pageCond.Wait()
		}
		kind = KindWait
		m.statsWait++
	case StateCommitted:
		if m.checkpointInProgress {
			kind = KindAfter
			m.statsAfter++
		} else {
			kind = KindDelayed
			m.statsDely++
		}
	}

	if m.cfg.Incremental || kind != KindWait {
		m.mu.Unlock()
		_ = pagefault.Protect(buff, m.pageSize, true)
		m.mu.Lock()
	}
	m.newTouched = append(m.newTouched, touchEntry{addr: buff, kind: kind})
	m.mu.Unlock()
	return true
}

// Checkpoint runs one full cycle: it waits for any prior cycle's writer to
// finish, snapshots the touched-page list, runs local (and optionally
// global) deduplication, schedules surviving pages for the writer, and
// signals the writer goroutine. It returns once the writer has been
// signaled; callers that need to know the writer has finished must call
// WaitForCompletion.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if err := m.WaitForCompletion(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.log != nil {
		m.log.Info().Str("stats", m.constructStats()).Log("checkpoint starting")
	}
	m.statsCOW, m.statsWait, m.statsAfter, m.statsDely = 0, 0, 0, 0
	m.committedPages = 0

	touched := m.newTouched
	m.touched = touched
	m.newTouched = nil

	incremental := m.cfg.Incremental
	var candidates []uintptr
	if incremental {
		seen := make(map[uintptr]bool, len(touched))
		for _, t := range touched {
			if !seen[t.addr] {
				seen[t.addr] = true
				candidates = append(candidates, t.addr)
			}
		}
	} else {
		candidates = make([]uintptr, 0, len(m.pages))
		for addr := range m.pages {
			candidates = append(candidates, addr)
		}
	}
	m.mu.Unlock()

	if m.cfg.Dedup {
		m.dup.Clear()
		for _, addr := range candidates {
			page := pagefault.Slice(addr, m.pageSize)
			m.dup.ProcessPage(addr, page)
		}
		m.dup.FinalizeLocal()
		if m.cfg.GlobalDedup {
			if err := m.dup.GlobalDedup(ctx, m.tr); err != nil {
				return fmt.Errorf("ckpt: global dedup: %w", err)
			}
		}
		if m.rank == 0 && m.log != nil {
			m.log.Info().Str("stats", m.dup.StatsString()).Log("dedup stats")
		}
	}

	// Every tracked page is protected read-only here, unconditionally,
	// regardless of incremental mode: this is what lets AFTER/DELAYED
	// faults happen at all in full mode, and what gives access-order
	// mode a fresh touch list to sort by next cycle.
	m.mu.Lock()
	allAddrs := make([]uintptr, 0, len(m.pages))
	for addr := range m.pages {
		allAddrs = append(allAddrs, addr)
	}
	m.mu.Unlock()
	for _, addr := range allAddrs {
		_ = pagefault.Protect(addr, m.pageSize, false)
	}

	m.mu.Lock()
	if m.cowPool.Capacity() == 0 && m.log != nil {
		m.log.Warning().Log("cow pool has zero capacity: concurrent writers will block on every scheduled page until the writer commits it")
	}

	var scheduled []uintptr
	for _, addr := range candidates {
		if m.cfg.Dedup && !m.dup.CheckPage(addr) {
			continue
		}
		info, ok := m.pages[addr]
		if !ok || info.state != StateCommitted {
			continue
		}
		info.state = StateScheduled
		scheduled = append(scheduled, addr)
		size := 1
		if m.cfg.Dedup {
			if rl := m.dup.RankList(addr); len(rl) > 0 {
				size = len(rl)
			}
		}
		m.rankListSize[addr] = size
	}
	m.mu.Unlock()

	if m.repl.Enabled() {
		localLoad := make([]int, m.replK)
		for _, addr := range scheduled {
			copies := m.replK - m.rankListSize[addr]
			if copies > m.replK-1 {
				copies = m.replK - 1
			}
			for j := 1; j <= copies; j++ {
				localLoad[j]++
			}
		}
		if err := m.repl.Init(ctx, m.cfg.PathPrefix, m.seqNo, localLoad); err != nil {
			return fmt.Errorf("ckpt: replicate init: %w", err)
		}
	}

	m.mu.Lock()
	m.checkpointInProgress = true
	m.workCond.Broadcast()
	m.mu.Unlock()
	return nil
}

// WaitForCompletion blocks until no checkpoint cycle is in progress.
func (m *Manager) WaitForCompletion(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.checkpointInProgress {
		m.workCond.Wait()
	}
	return nil
}

// DisplayStats renders the current per-rank diagnostic line, matching the
// reference engine's display_stats.
func (m *Manager) DisplayStats() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constructStats()
}

func (m *Manager) constructStats() string {
	return fmt.Sprintf(
		"rank = %d, total_tracked = %dMB, seq_no = %d, pages_cow = %d, pages_wait = %d, pages_after = %d, pages_delayed = %d, committed_pages = %d",
		m.rank, m.totalMemSize/(1<<20), m.seqNo, m.statsCOW, m.statsWait, m.statsAfter, m.statsDely, m.committedPages,
	)
}

// Close stops the writer goroutine, restores read-write access to every
// tracked page, and releases the COW pool and metadata allocator.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.workCond.Broadcast()
	m.mu.Unlock()
	<-m.writerDone

	m.mu.Lock()
	for addr := range m.pages {
		_ = pagefault.Protect(addr, m.pageSize, true)
	}
	m.pages = nil
	m.mu.Unlock()

	if err := m.cowPool.Close(); err != nil {
		return fmt.Errorf("ckpt: close cow pool: %w", err)
	}
	if err := m.meta.Close(); err != nil {
		return fmt.Errorf("ckpt: close metadata allocator: %w", err)
	}
	return nil
}

// writerLoop is the background goroutine that flushes one checkpoint
// cycle whenever Checkpoint signals work, grounded on the reference
// engine's async_io_exec.
func (m *Manager) writerLoop() {
	defer close(m.writerDone)

	ctx := context.Background()
	for {
		m.mu.Lock()
		for !m.checkpointInProgress && !m.closed {
			m.workCond.Wait()
		}
		if m.closed && !m.checkpointInProgress {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.runWriterCycle(ctx)

		m.mu.Lock()
		m.checkpointInProgress = false
		m.workCond.Broadcast()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
	}
}

func (m *Manager) runWriterCycle(ctx context.Context) {
	path := fmt.Sprintf("%s/blobcr-ckpt-%d-%d.dat", m.cfg.PathPrefix, m.rank, m.seqNo)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		if m.log != nil {
			m.log.Err().Str("path", path).Str("error", err.Error()).Log("open checkpoint file failed")
		}
		return
	}
	defer f.Close()

	for _, addr := range m.writeOrder() {
		m.handlePage(ctx, addr, f)
	}

	if m.repl.Enabled() {
		if err := m.repl.Finalize(ctx); err != nil && m.log != nil {
			m.log.Err().Str("error", err.Error()).Log("replicate finalize failed")
		}
	}

	if m.log != nil {
		m.log.Info().Str("stats", m.DisplayStats()).Log("checkpoint complete")
	}
	m.mu.Lock()
	m.seqNo++
	m.rankListSize = make(map[uintptr]int)
	m.mu.Unlock()
}

// writeOrder computes the ordered set of scheduled-page addresses the
// writer will visit, per spec.md §4.5's priority: access-order mode beats
// incremental mode beats a plain ascending full-map walk.
func (m *Manager) writeOrder() []uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []uintptr
	for addr, info := range m.pages {
		if info.state == StateScheduled {
			candidates = append(candidates, addr)
		}
	}

	switch {
	case m.cfg.AccessOrder:
		kindOf := make(map[uintptr]AccessKind, len(m.touched))
		for _, t := range m.touched {
			kindOf[t.addr] = t.kind
		}
		sort.Slice(candidates, func(i, j int) bool {
			ki, kj := kindOf[candidates[i]], kindOf[candidates[j]]
			if ki != kj {
				return ki > kj
			}
			return candidates[i] < candidates[j]
		})
	case m.cfg.Incremental:
		scheduled := make(map[uintptr]bool, len(candidates))
		for _, a := range candidates {
			scheduled[a] = true
		}
		ordered := make([]uintptr, 0, len(candidates))
		for i := len(m.touched) - 1; i >= 0; i-- {
			a := m.touched[i].addr
			if scheduled[a] {
				ordered = append(ordered, a)
				delete(scheduled, a)
			}
		}
		candidates = ordered
	default:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	}
	return candidates
}

// handlePage flushes one scheduled page to f (and, if replication is
// enabled, to its remaining replica peers), then commits it, matching
// the reference engine's handle_page.
func (m *Manager) handlePage(ctx context.Context, addr uintptr, f *os.File) {
	m.mu.Lock()
	info, ok := m.pages[addr]
	if !ok || info.state != StateScheduled {
		m.mu.Unlock()
		return
	}
	info.state = StateInProgress
	hadCOW := info.cow != nil
	buff := info.cow
	if !hadCOW {
		buff = pagefault.Slice(addr, m.pageSize)
	}
	rankListSize := m.rankListSize[addr]
	m.mu.Unlock()

	if _, err := f.Write(buff); err != nil && m.log != nil {
		m.log.Err().Str("error", err.Error()).Log("write page failed")
	}

	if m.repl.Enabled() {
		if err := m.repl.PutPage(ctx, buff, rankListSize); err != nil && m.log != nil {
			m.log.Err().Str("error", err.Error()).Log("replicate page failed")
		}
	}

	m.mu.Lock()
	info.state = StateCommitted
	cowIndex := info.cowIndex
	info.cow = nil
	info.cowIndex = -1
	m.committedPages++
	m.pageCond.Broadcast()
	m.mu.Unlock()

	if !hadCOW && !m.cfg.Incremental {
		_ = pagefault.Protect(addr, m.pageSize, true)
	}
	if hadCOW {
		m.cowPool.Free(cowIndex)
	}
}
