// Package replicate implements the Replication Engine: after the writer
// in internal/ckpt commits a page locally, it is pushed via one-sided
// remote-memory writes to k-1 peers, chosen and load-balanced by the
// traffic-interleaving shuffle described in spec.md §4.4. Grounded on
// the reference implementation's repl_engine
// (original_source/lib/repl_engine.cpp): compute_neighbors/shuffle_ranks
// map directly onto Init's shuffle and neighbor computation, and
// add_send_request/write_page map onto PutPage.
package replicate

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/internal/transport"
)

// RankDistance is the stride between a rank and its first replica peer.
const RankDistance = 1

// Engine is one rank's replication state for a single checkpoint cycle.
// A new Engine (or a reused one via Init) is needed per cycle, since the
// neighbor computation depends on that cycle's load vector.
type Engine struct {
	tr       transport.Transport
	k        int
	pageSize int
	rank     int
	size     int

	sendNeighbor []int
	recvNeighbor []int
	offsets      []int64

	win      transport.Window
	recvMem  []byte
	recvFile *os.File
}

// New creates a replication Engine bound to tr. k is the replication
// factor (k<=1 disables replication: Init, PutPage and Finalize are then
// no-ops whatever the load vector). pageSize is the fixed page size
// used to size offsets and the receive window.
func New(tr transport.Transport, k, pageSize int) *Engine {
	if k < 1 {
		k = 1
	}
	return &Engine{tr: tr, k: k, pageSize: pageSize, rank: tr.Rank(), size: tr.Size()}
}

// Enabled reports whether replication is configured on at all.
func (e *Engine) Enabled() bool { return e.k > 1 }

// Window returns the currently open receive window, or nil if this
// rank expects no incoming replicas this cycle (or Init hasn't run).
func (e *Engine) Window() transport.Window { return e.win }

// Init performs the per-checkpoint setup of spec.md §4.4 steps 1-5:
// all-gather the load vectors, compute the shuffle permutation and this
// rank's send/receive neighbors, and open a receive window backed by a
// durable, page-size-aligned replica file when this rank expects to
// receive any pages this cycle.
//
// localLoad must have length k; localLoad[j] is the number of pages this
// rank expects to send on its j-th replica stream (localLoad[0] is
// unused, kept only so indices line up with the reference engine's
// rep-sized vectors).
func (e *Engine) Init(ctx context.Context, pathPrefix string, seqNo int, localLoad []int) error {
	if len(localLoad) != e.k {
		return fmt.Errorf("replicate: local load vector must have length %d, got %d", e.k, len(localLoad))
	}
	if !e.Enabled() {
		return nil
	}

	gathered, err := e.tr.AllGather(ctx, encodeLoad(localLoad))
	if err != nil {
		return fmt.Errorf("replicate: all-gather load vectors: %w", err)
	}
	loadInfo := make([][]int, e.size)
	for i, b := range gathered {
		loadInfo[i], err = decodeLoad(b, e.k)
		if err != nil {
			return fmt.Errorf("replicate: decode load vector from rank %d: %w", i, err)
		}
	}

	shuffleIndex, myShuffledRank := shuffleRanks(loadInfo, e.k, e.rank)

	sendNeighbor := make([]int, e.k)
	recvNeighbor := make([]int, e.k)
	offsets := make([]int64, e.k)
	sendNeighbor[0] = e.rank
	recvNeighbor[0] = e.rank

	n := e.size
	recvPages := 0
	for i := 1; i < e.k; i++ {
		rank := myShuffledRank
		for i*RankDistance > rank {
			rank += n
		}
		rank -= i * RankDistance
		recvNeighbor[i] = shuffleIndex[rank]
		recvPages += loadInfo[recvNeighbor[i]][i]

		sendRank := (myShuffledRank + i*RankDistance) % n
		sendNeighbor[i] = shuffleIndex[sendRank]

		for j := i + 1; j < e.k; j++ {
			offsets[j] += int64(loadInfo[sendNeighbor[i]][j-i]) * int64(e.pageSize)
		}
	}

	e.sendNeighbor = sendNeighbor
	e.recvNeighbor = recvNeighbor
	e.offsets = offsets

	recvSize := int64(recvPages) * int64(e.pageSize)
	if recvSize <= 0 {
		return nil
	}

	path := fmt.Sprintf("%s/blobcr-repl-%d-%d.dat", pathPrefix, e.rank, seqNo)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("replicate: create %s: %w", path, err)
	}
	if err := f.Truncate(recvSize); err != nil {
		f.Close()
		return fmt.Errorf("replicate: truncate %s: %w", path, err)
	}
	mem, err := pagefault.FileMap(f, int(recvSize))
	if err != nil {
		f.Close()
		return err
	}
	win, err := e.tr.OpenWindow(ctx, mem)
	if err != nil {
		_ = unix.Munmap(mem)
		f.Close()
		return fmt.Errorf("replicate: open window: %w", err)
	}

	e.recvMem = mem
	e.recvFile = f
	e.win = win
	return nil
}

// PutPage pushes page (exactly one page's worth of bytes) to this page's
// remaining replica peers, fanning the per-peer RPCs out concurrently
// with errgroup. rankListSize is the current size of the page's dedup
// rank list (1 if the page has no replicas yet); the number of
// additional copies needed is k - rankListSize, matching spec.md §4.4's
// "copies = k − 1 − (rank_list_size − 1)".
func (e *Engine) PutPage(ctx context.Context, page []byte, rankListSize int) error {
	if !e.Enabled() {
		return nil
	}
	copies := e.k - rankListSize
	if copies > e.k-1 {
		copies = e.k - 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= copies; i++ {
		i := i
		peer := e.sendNeighbor[i]
		offset := e.offsets[i]
		e.offsets[i] += int64(len(page))
		g.Go(func() error {
			if err := e.tr.Put(gctx, peer, offset, page); err != nil {
				return fmt.Errorf("replicate: put to rank %d: %w", peer, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Finalize fences the receive window so every in-flight Put (from this
// rank and all peers) is visible, then persists and releases the
// receive file, matching the reference engine's MPI_Win_fence,
// MPI_Win_free, munmap, fdatasync, close sequence.
func (e *Engine) Finalize(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if err := e.tr.Fence(ctx); err != nil {
		return fmt.Errorf("replicate: fence: %w", err)
	}
	if e.win != nil {
		if err := e.win.Close(); err != nil {
			return fmt.Errorf("replicate: close window: %w", err)
		}
		e.win = nil
	}
	if e.recvMem != nil {
		if err := unix.Munmap(e.recvMem); err != nil {
			return fmt.Errorf("replicate: munmap: %w", err)
		}
		e.recvMem = nil
	}
	if e.recvFile != nil {
		if err := unix.Fdatasync(int(e.recvFile.Fd())); err != nil {
			e.recvFile.Close()
			return fmt.Errorf("replicate: fdatasync: %w", err)
		}
		err := e.recvFile.Close()
		e.recvFile = nil
		if err != nil {
			return fmt.Errorf("replicate: close replica file: %w", err)
		}
	}
	return nil
}

// shuffleRanks computes the traffic-interleaving permutation of
// spec.md §4.4 step 2: ranks sorted by descending outbound replica
// traffic, then alternated one heavy rank with k-1 lights from the
// tail. It returns shuffleIndex (shuffleIndex[p] is the original rank
// placed at shuffled position p, i.e. shuffle⁻¹) and this rank's
// shuffled position.
func shuffleRanks(loadInfo [][]int, k, selfRank int) (shuffleIndex []int, myShuffledRank int) {
	n := len(loadInfo)
	sendSum := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 1; j < k; j++ {
			sendSum[i] += loadInfo[i][j]
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sendSum[order[a]] > sendSum[order[b]] })

	shuffleIndex = make([]int, n)
	head, tail := 0, n-1
	i := 0
	for i < n {
		shuffleIndex[i] = order[head]
		head++
		i++
		for j := 1; j < k && head <= tail && i < n; j++ {
			shuffleIndex[i] = order[tail]
			tail--
			i++
		}
	}

	for pos, r := range shuffleIndex {
		if r == selfRank {
			myShuffledRank = pos
			break
		}
	}
	return shuffleIndex, myShuffledRank
}

func encodeLoad(load []int) []byte {
	out := make([]byte, 4*len(load))
	for i, v := range load {
		binary.BigEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func decodeLoad(data []byte, k int) ([]int, error) {
	if len(data) != 4*k {
		return nil, fmt.Errorf("replicate: expected %d-byte load vector, got %d", 4*k, len(data))
	}
	out := make([]int, k)
	for i := range out {
		out[i] = int(binary.BigEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
