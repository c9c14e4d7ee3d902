// Package transport defines the group communication primitive used by the
// checkpointer: a blocking barrier, all-gather, a commutative all-reduce
// with a user-supplied associative merge function, and one-sided
// put/fence over a registered remote-memory window. It has no two-sided
// point-to-point send/receive operation. Two implementations are provided:
// loopback (in-process, for tests and the dist_bench harness) and
// grpcmesh (real multi-process, over google.golang.org/grpc).
package transport

import "context"

// Window is a registered, rank-local region of memory that peers can
// write into via one-sided Put calls, and that is guaranteed to reflect
// every completed Put once Fence returns. It stands in for the MPI-style
// RMA window of spec.md §4.4.
type Window interface {
	// Bytes returns the current backing memory of the window.
	Bytes() []byte
	// Close releases the window's resources.
	Close() error
}

// Transport is the group communication primitive consumed by
// internal/dedup and internal/replicate. Message ordering between
// different peer pairs is not assumed, per spec.md §6.
type Transport interface {
	// Rank returns this participant's rank, in [0, Size()).
	Rank() int
	// Size returns the number of participants in the collective.
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// AllGather exchanges local among all ranks and returns the values
	// ordered by rank (result[r] is the value rank r passed as local).
	AllGather(ctx context.Context, local []byte) ([][]byte, error)

	// AllReduce combines this rank's local value with every other rank's
	// value using merge, returning the fully-reduced result to every
	// rank. merge must be associative and commutative; it may be called
	// more than once, and at any point in a reduction tree, not only at
	// the root (spec.md §9, "the top-K trimming must occur at every
	// pairwise merge").
	AllReduce(ctx context.Context, local []byte, merge func(a, b []byte) []byte) ([]byte, error)

	// OpenWindow registers buf, rank-local memory (typically an mmap'd
	// region the caller already owns, possibly file-backed for
	// durability) that peers may Put into. buf may be nil/empty, in
	// which case Put from a peer targeting this rank is a programming
	// error. The caller retains ownership of buf's lifecycle; Close
	// only unregisters it as a Put target.
	OpenWindow(ctx context.Context, buf []byte) (Window, error)

	// Put writes data into peer's currently open window at offset. It
	// does not imply visibility to the target rank until that rank's
	// next successful Fence.
	Put(ctx context.Context, peer int, offset int64, data []byte) error

	// Fence blocks until every Put issued by any rank, targeting this
	// rank's currently open window, is visible in Window.Bytes, and
	// every Put this rank issued is visible at its targets. It is
	// equivalent to a barrier plus completion of in-flight one-sided
	// writes (spec.md §4.4, "Finalize").
	Fence(ctx context.Context) error

	// Close releases any resources (connections, goroutines) held by the
	// transport.
	Close() error
}
