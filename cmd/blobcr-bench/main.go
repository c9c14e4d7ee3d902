// blobcr-bench measures single-rank checkpoint throughput: it allocates
// the requested number of protected bytes, touches every page, and times
// repeated checkpoint cycles. Analogue of the reference module's
// bench <bytes> harness (spec.md §6 CLI surface); not part of the
// checkpointer's own contract.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/pkg/blobcr"
)

const cycles = 5

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <bytes>", os.Args[0])
	}
	total, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil || total <= 0 {
		log.Fatalf("blobcr-bench: invalid byte count %q", os.Args[1])
	}

	if err := blobcr.StartCheckpointer(); err != nil {
		log.Fatalf("blobcr-bench: start checkpointer: %v", err)
	}
	defer blobcr.TerminateCheckpointer()

	size := int(total)
	addr := blobcr.MallocProtected(size)
	if addr == 0 {
		log.Fatal("blobcr-bench: malloc_protected failed")
	}
	defer blobcr.FreeProtected(addr, size)
	buf := pagefault.Slice(addr, size)

	for cycle := 0; cycle < cycles; cycle++ {
		start := time.Now()
		touchAll(buf)
		touchElapsed := time.Since(start)

		ckptStart := time.Now()
		if blobcr.Checkpoint() == 0 {
			log.Fatal("blobcr-bench: checkpoint reported no active manager")
		}
		blobcr.WaitForCheckpoint()
		ckptElapsed := time.Since(ckptStart)

		mb := float64(size) / (1 << 20)
		fmt.Printf("cycle %d: touch=%.3fs (%.1f MB/s) checkpoint=%.3fs (%.1f MB/s)\n",
			cycle, touchElapsed.Seconds(), mb/touchElapsed.Seconds(),
			ckptElapsed.Seconds(), mb/ckptElapsed.Seconds())
	}
	blobcr.DisplayStats()
}

// touchAll writes one byte per page, servicing whatever fault that
// raises, so every page is dirtied exactly once per cycle.
func touchAll(buf []byte) {
	ps := pagefault.PageSize()
	for off := 0; off < len(buf); off += ps {
		faulted, faultAddr, err := pagefault.Guard(func() { buf[off] = byte(off) })
		if err != nil {
			log.Fatalf("blobcr-bench: unexpected panic: %v", err)
		}
		if faulted {
			if !blobcr.HandleFault(faultAddr) {
				log.Fatalf("blobcr-bench: fault at 0x%x outside tracked region", faultAddr)
			}
			buf[off] = byte(off)
		}
	}
}
