// blobcr-dist-bench simulates a multi-rank checkpoint cycle in one
// process, using the in-process loopback transport instead of real
// processes/network, so replication and global dedup can be exercised
// without standing up multiple binaries. Analogue of the reference
// module's dist_bench <log2 bytes> harness (spec.md §6 CLI surface);
// not part of the checkpointer's own contract.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/bnicolae/blobcr/internal/ckpt"
	"github.com/bnicolae/blobcr/internal/ckptconfig"
	"github.com/bnicolae/blobcr/internal/ckptlog"
	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/internal/transport/loopback"
)

func main() {
	ranks := flag.Int("ranks", 4, "number of simulated ranks")
	replication := flag.Int("replication", 2, "replication factor (k)")
	dedup := flag.Bool("dedup", true, "enable local+global dedup")
	incremental := flag.Bool("incremental", true, "enable incremental (protect-on-register) mode")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: %s [flags] <log2 bytes>", os.Args[0])
	}
	log2Bytes, err := strconv.Atoi(flag.Arg(0))
	if err != nil || log2Bytes < 0 || log2Bytes > 40 {
		log.Fatalf("blobcr-dist-bench: invalid log2 byte count %q", flag.Arg(0))
	}
	perRankSize := 1 << log2Bytes

	pathPrefix, err := os.MkdirTemp("", "blobcr-dist-bench-")
	if err != nil {
		log.Fatalf("blobcr-dist-bench: %v", err)
	}
	defer os.RemoveAll(pathPrefix)

	cfg := ckptconfig.Config{
		PathPrefix:        pathPrefix,
		COWSizeLog2:       ckptconfig.DefaultCOWSizeLog2,
		Incremental:       *incremental,
		Dedup:             *dedup,
		GlobalDedup:       *dedup,
		ReplicationFactor: *replication,
	}

	mesh := loopback.NewMesh(*ranks)
	managers := make([]*ckpt.Manager, *ranks)
	regions := make([][]byte, *ranks)

	for r := 0; r < *ranks; r++ {
		l := ckptlog.New(os.Stderr, r, logiface.LevelInformational)
		m, err := ckpt.New(cfg, mesh.Rank(r), l)
		if err != nil {
			log.Fatalf("blobcr-dist-bench: rank %d: new manager: %v", r, err)
		}
		mem, addr, err := pagefault.AnonMap(perRankSize)
		if err != nil {
			log.Fatalf("blobcr-dist-bench: rank %d: anon map: %v", r, err)
		}
		// every other rank writes an identical pattern, so dedup has
		// something real to find across ranks. Populate before
		// registering: AddRegion may protect the region read-only.
		for i := range mem {
			mem[i] = byte(r % 2)
		}
		if err := m.AddRegion(addr, perRankSize); err != nil {
			log.Fatalf("blobcr-dist-bench: rank %d: add region: %v", r, err)
		}
		managers[r] = m
		regions[r] = mem
	}

	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(*ranks)
	for r := 0; r < *ranks; r++ {
		go func(r int) {
			defer wg.Done()
			if err := managers[r].Checkpoint(ctx); err != nil {
				log.Printf("blobcr-dist-bench: rank %d: checkpoint: %v", r, err)
				return
			}
			if err := managers[r].WaitForCompletion(ctx); err != nil {
				log.Printf("blobcr-dist-bench: rank %d: wait: %v", r, err)
			}
		}(r)
	}
	wg.Wait()
	elapsed := time.Since(start)

	totalMB := float64(perRankSize*(*ranks)) / (1 << 20)
	fmt.Printf("dist_bench: %d ranks x %d bytes, elapsed=%.3fs (%.1f MB/s aggregate)\n",
		*ranks, perRankSize, elapsed.Seconds(), totalMB/elapsed.Seconds())
	for r := 0; r < *ranks; r++ {
		fmt.Println(managers[r].DisplayStats())
	}

	for r := 0; r < *ranks; r++ {
		if err := managers[r].Close(); err != nil {
			log.Printf("blobcr-dist-bench: rank %d: close: %v", r, err)
		}
		_ = pagefault.Unmap(regions[r])
	}
}
