// Package blobcr is the public, process-wide surface of the checkpointer:
// a direct Go expression of the C-callable API table (start_checkpointer,
// add_region, remove_region, malloc_protected, free_protected, checkpoint,
// wait_for_checkpoint, display_stats, terminate_checkpointer), operating
// on a single package-level *ckpt.Manager the way the reference
// implementation operates on a single static region_manager pointer.
//
// Unlike the C original, this package does not install an OS signal
// trampoline itself (that is an external collaborator's job, out of
// scope here, same as spec.md §1 frames the C ABI shim). Instead it
// enables runtime/debug.SetPanicOnFault in StartCheckpointer (which, like
// every SetPanicOnFault call, affects only the calling goroutine; Guard
// enables it around each wrapped access) and exposes HandleFault so a caller that wraps a protected access in
// internal/pagefault.Guard (or an external cgo trampoline) can service
// the resulting fault and retry. cmd/blobcr-basic-test, cmd/blobcr-bench
// and cmd/blobcr-dist-bench show the full pattern end to end.
package blobcr
