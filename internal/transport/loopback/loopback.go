// Package loopback provides an in-process transport.Transport: every
// simulated rank is a goroutine sharing one Mesh, and collectives are
// plain in-process method calls rather than network round trips, the
// same trade the reference module's inprocgrpc package makes for gRPC
// channels. Used by the dist_bench CLI harness and by package tests that
// exercise multi-rank behavior (cross-rank global dedup, replication to
// peers) within a single process.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnicolae/blobcr/internal/transport"
	"github.com/bnicolae/blobcr/internal/transport/rendezvous"
)

// window is the loopback realization of transport.Window.
type window struct {
	mu  sync.Mutex
	buf []byte
}

func (w *window) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf
}

// Close drops the window's reference to its buffer, so any later Put
// aimed at it fails the bounds check instead of writing.
func (w *window) Close() error {
	w.mu.Lock()
	w.buf = nil
	w.mu.Unlock()
	return nil
}

// Mesh is the shared state backing every rank's Loopback transport.
type Mesh struct {
	n       int
	barrier *rendezvous.Phase
	gather  *rendezvous.Phase
	reduce  *rendezvous.Phase

	mu       sync.Mutex
	gatherIn [][]byte

	reduceMu sync.Mutex
	reduceIn [][]byte

	winMu   sync.Mutex
	windows []*window
}

// NewMesh creates a Mesh for n simulated ranks.
func NewMesh(n int) *Mesh {
	return &Mesh{
		n:        n,
		barrier:  rendezvous.New(n),
		gather:   rendezvous.New(n),
		reduce:   rendezvous.New(n),
		gatherIn: make([][]byte, n),
		reduceIn: make([][]byte, n),
		windows:  make([]*window, n),
	}
}

// Rank returns the Loopback transport bound to the given rank, [0, n).
func (m *Mesh) Rank(rank int) *Loopback {
	if rank < 0 || rank >= m.n {
		panic(fmt.Errorf("loopback: rank %d out of range [0, %d)", rank, m.n))
	}
	return &Loopback{mesh: m, rank: rank}
}

// Loopback is one rank's view of a Mesh.
type Loopback struct {
	mesh *Mesh
	rank int
}

var _ transport.Transport = (*Loopback)(nil)

func (l *Loopback) Rank() int { return l.rank }
func (l *Loopback) Size() int { return l.mesh.n }

func (l *Loopback) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mesh.barrier.Rendezvous(func() {}, func() any { return nil })
	return nil
}

func (l *Loopback) AllGather(ctx context.Context, local []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := l.mesh
	result := m.gather.Rendezvous(
		func() {
			m.mu.Lock()
			m.gatherIn[l.rank] = local
			m.mu.Unlock()
		},
		func() any {
			m.mu.Lock()
			defer m.mu.Unlock()
			out := make([][]byte, m.n)
			for i, v := range m.gatherIn {
				out[i] = append([]byte(nil), v...)
			}
			return out
		},
	)
	return result.([][]byte), nil
}

func (l *Loopback) AllReduce(ctx context.Context, local []byte, merge func(a, b []byte) []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := l.mesh
	result := m.reduce.Rendezvous(
		func() {
			m.reduceMu.Lock()
			m.reduceIn[l.rank] = local
			m.reduceMu.Unlock()
		},
		func() any {
			m.reduceMu.Lock()
			defer m.reduceMu.Unlock()
			acc := m.reduceIn[0]
			for i := 1; i < len(m.reduceIn); i++ {
				acc = merge(acc, m.reduceIn[i])
			}
			return acc
		},
	)
	return result.([]byte), nil
}

func (l *Loopback) OpenWindow(ctx context.Context, buf []byte) (transport.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &window{buf: buf}
	l.mesh.winMu.Lock()
	l.mesh.windows[l.rank] = w
	l.mesh.winMu.Unlock()
	return w, nil
}

func (l *Loopback) Put(ctx context.Context, peer int, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mesh.winMu.Lock()
	w := l.mesh.windows[peer]
	l.mesh.winMu.Unlock()
	if w == nil {
		return fmt.Errorf("loopback: rank %d has no open window", peer)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset < 0 || offset+int64(len(data)) > int64(len(w.buf)) {
		return fmt.Errorf("loopback: put out of bounds: offset=%d len=%d window=%d", offset, len(data), len(w.buf))
	}
	copy(w.buf[offset:], data)
	return nil
}

// Fence is equivalent to Barrier: every Put in this implementation is a
// synchronous, lock-protected memcpy, so once every rank reaches the
// barrier every issued Put has already landed.
func (l *Loopback) Fence(ctx context.Context) error {
	return l.Barrier(ctx)
}

func (l *Loopback) Close() error { return nil }
