package blobcr

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/bnicolae/blobcr/internal/ckpt"
	"github.com/bnicolae/blobcr/internal/ckptconfig"
	"github.com/bnicolae/blobcr/internal/ckptlog"
	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/internal/transport"
	"github.com/bnicolae/blobcr/internal/transport/grpcmesh"
	"github.com/bnicolae/blobcr/internal/transport/loopback"
)

var (
	mu  sync.Mutex
	mgr *ckpt.Manager
	tr  transport.Transport
	log *ckptlog.Logger
)

// StartCheckpointer initializes the process-wide checkpointer from the
// blobcr environment variable contract. It is idempotent: a second call
// while a checkpointer is already running is a no-op. A failure (mmap,
// log file or transport init) is returned as an error; this function
// neither logs it nor exits the process.
func StartCheckpointer() error {
	mu.Lock()
	defer mu.Unlock()
	if mgr != nil {
		return nil
	}

	cfg := ckptconfig.FromEnv()

	t, err := newTransport()
	if err != nil {
		return fmt.Errorf("blobcr: start checkpointer: %w", err)
	}

	w, err := ckptlog.FileForRank(cfg.LogPrefix, t.Rank())
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("blobcr: start checkpointer: %w", err)
	}
	l := ckptlog.New(w, t.Rank(), logiface.LevelInformational)

	m, err := ckpt.New(cfg, t, l)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("blobcr: start checkpointer: %w", err)
	}

	debug.SetPanicOnFault(true)
	l.Info().Str("config", cfg.String()).Log("checkpointer started")

	tr, mgr, log = t, m, l
	return nil
}

// newTransport picks a real multi-process grpcmesh transport when
// BLOBCR_MESH_ADDRS/BLOBCR_RANK are set, and a single-rank loopback
// transport otherwise (the common case for malloc_protected/bench-style
// single-process use, where global dedup has no other rank to merge with
// and replication, if configured, sends every copy back to this rank).
func newTransport() (transport.Transport, error) {
	addrs := os.Getenv("BLOBCR_MESH_ADDRS")
	if addrs == "" {
		return loopback.NewMesh(1).Rank(0), nil
	}
	rank, err := strconv.Atoi(os.Getenv("BLOBCR_RANK"))
	if err != nil {
		return nil, fmt.Errorf("BLOBCR_RANK must be set to a valid integer when BLOBCR_MESH_ADDRS is set: %w", err)
	}
	return grpcmesh.Dial(grpcmesh.Config{Rank: rank, Addresses: strings.Split(addrs, ",")})
}

func roundUpToPage(size int) int {
	ps := pagefault.PageSize()
	return ((size + ps - 1) / ps) * ps
}

// AddRegion registers [addr, addr+size) for checkpoint tracking. It
// always returns addr: a misaligned size or an already-tracked region is
// an Ignored error per spec.md §7, logged at Debug rather than surfaced.
func AddRegion(addr uintptr, size int) uintptr {
	mu.Lock()
	m, l := mgr, log
	mu.Unlock()
	if m == nil {
		return addr
	}
	if err := m.AddRegion(addr, size); err != nil && l != nil {
		l.Debug().Str("error", err.Error()).Log("add_region ignored")
	}
	return addr
}

// RemoveRegion deregisters [addr, addr+size), blocking until any page in
// it that is mid-checkpoint has committed.
func RemoveRegion(addr uintptr, size int) {
	mu.Lock()
	m, l := mgr, log
	mu.Unlock()
	if m == nil {
		return
	}
	if err := m.RemoveRegion(addr, size); err != nil && l != nil {
		l.Err().Str("error", err.Error()).Log("remove_region failed")
	}
}

// MallocProtected anonymously maps a page-rounded region of size bytes,
// registers it for tracking, and returns its address, or 0 if the
// mapping or registration failed.
func MallocProtected(size int) uintptr {
	mu.Lock()
	m := mgr
	mu.Unlock()
	if m == nil || size <= 0 {
		return 0
	}

	rounded := roundUpToPage(size)
	mem, addr, err := pagefault.AnonMap(rounded)
	if err != nil {
		return 0
	}
	if err := m.AddRegion(addr, rounded); err != nil {
		_ = pagefault.Unmap(mem)
		return 0
	}
	return addr
}

// FreeProtected deregisters and unmaps a region previously returned by
// MallocProtected. size must match the value originally passed to
// MallocProtected.
func FreeProtected(ptr uintptr, size int) {
	mu.Lock()
	m := mgr
	mu.Unlock()
	if m == nil || ptr == 0 {
		return
	}
	rounded := roundUpToPage(size)
	_ = m.RemoveRegion(ptr, rounded)
	_ = pagefault.Unmap(pagefault.Slice(ptr, rounded))
}

// HandleFault services a fault at addr against the tracked page map,
// returning false if addr isn't tracked (the caller must then chain to
// whatever handler it would otherwise have run). This is the entry point
// a pagefault.Guard-wrapped write, or an external signal trampoline,
// calls once it has recovered a faulting address.
func HandleFault(addr uintptr) bool {
	mu.Lock()
	m := mgr
	mu.Unlock()
	if m == nil {
		return false
	}
	return m.HandleFault(addr)
}

// Checkpoint initiates one checkpoint cycle. It returns 0 only if no
// checkpointer has been started, 1 otherwise (matching the C API's
// "returns 0 only when no manager initialized, 1 otherwise"); a failure
// during scheduling is logged, not reflected in the return value, per
// spec.md §7's Reported/Fatal split (scheduling failures here are
// infrastructure failures, not data conditions a caller can act on from
// an int).
func Checkpoint() int {
	mu.Lock()
	m, l := mgr, log
	mu.Unlock()
	if m == nil {
		return 0
	}
	if err := m.Checkpoint(context.Background()); err != nil && l != nil {
		l.Err().Str("error", err.Error()).Log("checkpoint failed")
	}
	return 1
}

// WaitForCheckpoint blocks until the current checkpoint cycle (if any)
// has finished.
func WaitForCheckpoint() {
	mu.Lock()
	m := mgr
	mu.Unlock()
	if m == nil {
		return
	}
	_ = m.WaitForCompletion(context.Background())
}

// DisplayStats logs the current per-rank counters.
func DisplayStats() {
	mu.Lock()
	m, l := mgr, log
	mu.Unlock()
	if m == nil || l == nil {
		return
	}
	l.Info().Str("stats", m.DisplayStats()).Log("display_stats")
}

// TerminateCheckpointer tears down the process-wide checkpointer: stops
// the writer goroutine, releases the COW pool and metadata allocator,
// and closes the transport. It is safe to call when no checkpointer is
// running.
func TerminateCheckpointer() {
	mu.Lock()
	m, t, l := mgr, tr, log
	mgr, tr, log = nil, nil, nil
	mu.Unlock()

	if m == nil {
		return
	}
	if l != nil {
		l.Info().Str("stats", m.DisplayStats()).Log("terminate_checkpointer")
	}
	_ = m.Close()
	if t != nil {
		_ = t.Close()
	}
}
