package slab

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SlotPool is a fixed-capacity array of page-sized slots, the backing
// store for the COW buffer pool (spec.md §4.2). Allocation is a linear
// scan for a free slot that starts just after the most recently
// allocated slot and wraps around, so it does not necessarily return the
// lowest-numbered free slot; freeing clears the slot bit.
// Allocation and free are mutually exclusive, guarded by a mutex
// independent of the Region/Page Manager's page_lock, per spec.md §5.
type SlotPool struct {
	mu       sync.Mutex
	mem      []byte
	pageSize int
	free     []bool // true = free
	search   int    // next slot index to start the linear scan from
	owned    bool    // true if mem was mmap'd by this pool and must be munmap'd on Close
}

// NewSlotPool reserves capacity slots of pageSize bytes each, backed by a
// single anonymous mapping. capacity may be zero, in which case every
// Alloc call reports the pool full (spec.md §8 "COW pool of size zero").
func NewSlotPool(pageSize, capacity int) (*SlotPool, error) {
	size := pageSize * capacity
	var mem []byte
	if size > 0 {
		m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("slab: cow pool mmap(%d): %w", size, err)
		}
		mem = m
	}
	free := make([]bool, capacity)
	for i := range free {
		free[i] = true
	}
	return &SlotPool{mem: mem, pageSize: pageSize, free: free, owned: true}, nil
}

// NewSlotPoolFromBuffer carves a capacity-slot pool out of buf instead of
// mmap'ing its own memory, so callers can back the COW pool with an
// allocation taken from a bump allocator (internal/slab.Bump), so the
// COW pool shares that allocator's single up-front mapping. buf must be at least
// pageSize*capacity bytes; Close is then a no-op, since the bump
// allocator that produced buf owns its lifetime.
func NewSlotPoolFromBuffer(buf []byte, pageSize, capacity int) (*SlotPool, error) {
	need := pageSize * capacity
	if len(buf) < need {
		return nil, fmt.Errorf("slab: buffer too small for %d slots of %d bytes: have %d, need %d", capacity, pageSize, len(buf), need)
	}
	free := make([]bool, capacity)
	for i := range free {
		free[i] = true
	}
	return &SlotPool{mem: buf[:need:need], pageSize: pageSize, free: free, owned: false}, nil
}

// Capacity returns the number of slots in the pool.
func (p *SlotPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of currently allocated slots.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.free {
		if !f {
			n++
		}
	}
	return n
}

// Alloc reserves the next free slot in scan order (see SlotPool) and copies src (which must be
// exactly pageSize bytes) into it, returning the slot's backing slice and
// its index. ok is false if the pool is exhausted (or has zero capacity),
// in which case the caller must take the WAIT path (spec.md §4.1).
func (p *SlotPool) Alloc(src []byte) (buf []byte, index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	for i := 0; i < n; i++ {
		idx := (p.search + i) % n
		if p.free[idx] {
			p.free[idx] = false
			p.search = idx + 1
			buf = p.mem[idx*p.pageSize : (idx+1)*p.pageSize : (idx+1)*p.pageSize]
			copy(buf, src)
			return buf, idx, true
		}
	}
	return nil, -1, false
}

// Free releases the slot at index, making it available for reuse.
func (p *SlotPool) Free(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.free) {
		return
	}
	p.free[index] = true
}

// Close releases the pool's backing mapping, if this pool owns one (a
// pool built with NewSlotPoolFromBuffer does not, and Close is a no-op).
func (p *SlotPool) Close() error {
	if p.mem == nil || !p.owned {
		p.mem = nil
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
