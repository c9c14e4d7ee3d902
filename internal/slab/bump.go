// Package slab implements the two fixed-capacity, page-aligned allocators
// described by spec.md §4.2: a monotonic bump allocator for internal
// metadata, and a bitmap-backed page-slot allocator for the COW buffer
// pool. Both are backed by anonymous mmap memory obtained up front (a
// SlotPool either maps its own region or is carved out of a Bump), so
// that neither allocator can itself fault during a checkpoint.
package slab

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Bump is a monotonic allocator that never reclaims individual
// allocations. In this module the only allocation taken from a Bump is
// the COW pool's backing memory (see ckpt.New); the page table, touch
// lists and dedup hash sets are ordinary Go heap values and are not
// allocated from it.
type Bump struct {
	mem    []byte
	offset int
}

// NewBump reserves size bytes of anonymous memory for the bump allocator.
// A failure to mmap is returned as an error.
func NewBump(size int) (*Bump, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("slab: bump allocator mmap(%d): %w", size, err)
	}
	return &Bump{mem: mem}, nil
}

// Alloc returns the next n bytes from the pool. It panics if the pool is
// exhausted: metadata allocation failure is a Fatal condition per
// spec.md §7, and the bump allocator backs metadata specifically so that
// its exhaustion cannot be silently absorbed.
func (b *Bump) Alloc(n int) []byte {
	if b.offset+n > len(b.mem) {
		panic(fmt.Errorf("slab: bump allocator exhausted (requested %d, %d remaining)", n, len(b.mem)-b.offset))
	}
	out := b.mem[b.offset : b.offset+n : b.offset+n]
	b.offset += n
	return out
}

// Close releases the bump allocator's backing mapping. It does not
// invalidate slices previously returned by Alloc for callers that keep
// using them after Close; callers must stop using all allocations first.
func (b *Bump) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Len reports the number of bytes allocated so far.
func (b *Bump) Len() int { return b.offset }

// Cap reports the total capacity of the pool.
func (b *Bump) Cap() int { return len(b.mem) }
