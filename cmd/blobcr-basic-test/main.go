// blobcr-basic-test exercises the public API end to end in one process:
// start the checkpointer, allocate a protected region, fault it, take a
// checkpoint, wait for it, and tear down. It is the Go-native analogue
// of the reference module's basic_test harness (spec.md §6's CLI
// surface), not part of the checkpointer's own contract.
package main

import (
	"fmt"
	"log"

	"github.com/bnicolae/blobcr/internal/pagefault"
	"github.com/bnicolae/blobcr/pkg/blobcr"
)

func main() {
	if err := blobcr.StartCheckpointer(); err != nil {
		log.Fatalf("blobcr-basic-test: start checkpointer: %v", err)
	}
	defer blobcr.TerminateCheckpointer()

	size := pagefault.PageSize() * 4
	addr := blobcr.MallocProtected(size)
	if addr == 0 {
		log.Fatal("blobcr-basic-test: malloc_protected failed")
	}
	buf := pagefault.Slice(addr, size)

	for i := range buf {
		faultAndWrite(buf, i, byte(i))
	}

	if blobcr.Checkpoint() == 0 {
		log.Fatal("blobcr-basic-test: checkpoint reported no active manager")
	}
	blobcr.WaitForCheckpoint()
	blobcr.DisplayStats()

	blobcr.FreeProtected(addr, size)
	fmt.Println("blobcr-basic-test: OK")
}

// faultAndWrite writes val to buf[i], servicing the page fault this may
// raise if the underlying page is currently protected read-only
// (incremental mode, or a page the writer has scheduled this cycle).
func faultAndWrite(buf []byte, i int, val byte) {
	faulted, faultAddr, err := pagefault.Guard(func() { buf[i] = val })
	if err != nil {
		log.Fatalf("blobcr-basic-test: unexpected panic: %v", err)
	}
	if !faulted {
		return
	}
	if !blobcr.HandleFault(faultAddr) {
		log.Fatalf("blobcr-basic-test: fault at 0x%x outside tracked region", faultAddr)
	}
	buf[i] = val
}
