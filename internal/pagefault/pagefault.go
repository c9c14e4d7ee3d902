// Package pagefault provides the Go-native realization of spec.md §6's
// "signal contract": rather than installing a raw SIGSEGV trampoline (a
// job spec.md §1 assigns to an external, cgo-based C ABI shim), this
// package maps registered memory with golang.org/x/sys/unix and relies on
// runtime/debug.SetPanicOnFault to turn a write fault on a protected page
// into a recoverable Go panic. Guard resolves that panic back into a
// plain faulting address, which internal/ckpt feeds to its HandleFault
// state machine.
package pagefault

import (
	"fmt"
	"os"
	"runtime/debug"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize returns the OS page size.
func PageSize() int {
	return unix.Getpagesize()
}

// AnonMap reserves size bytes of anonymous, read-write memory and returns
// it as both a byte slice (for the application to read/write) and its
// base address (the registration key used throughout internal/ckpt).
// A mapping failure is returned as an error.
func AnonMap(size int) (mem []byte, addr uintptr, err error) {
	mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("pagefault: mmap(%d): %w", size, err)
	}
	return mem, uintptr(unsafe.Pointer(&mem[0])), nil
}

// Unmap releases a mapping previously returned by AnonMap.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

// FileMap maps size bytes of f, shared and read-write, so writes into the
// returned slice are visible to any other mapping of f and are persisted
// by unix.Fdatasync. Used by internal/replicate to back a recv window
// with durable storage, mirroring the reference implementation's
// mmap(..., MAP_SHARED, fr, 0) over its replica file.
func FileMap(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pagefault: mmap file %s: %w", f.Name(), err)
	}
	return mem, nil
}

// Slice reconstructs a []byte view over length bytes starting at addr,
// without copying. Used when only the address/length pair is known (the
// public, "C-callable" surface of the API deals in addr+size pairs, per
// spec.md §6).
func Slice(addr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// Protect sets the page protection for length bytes starting at addr.
// writable selects PROT_READ|PROT_WRITE versus PROT_READ alone, matching
// every mprotect call in spec.md §4.1's fault-handler table.
func Protect(addr uintptr, length int, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(Slice(addr, length), prot); err != nil {
		return fmt.Errorf("pagefault: mprotect(0x%x, %d): %w", addr, length, err)
	}
	return nil
}

// FaultAddr is satisfied by the runtime.Error value recovered from a
// SIGSEGV/SIGBUS converted to a panic by debug.SetPanicOnFault, matching
// the interface documented by runtime/debug.SetPanicOnFault.
type FaultAddr interface {
	Addr() uintptr
}

// Guard runs fn with panic-on-fault enabled, and reports the faulting
// address if fn panics due to an invalid (here: protected) memory access.
// Any other panic is re-raised unchanged. Guard does not know which
// regions are tracked: it reports every memory fault, and deciding
// whether the address belongs to a tracked region (HandleFault) and
// propagating the fault otherwise is left to the caller.
func Guard(fn func()) (faulted bool, addr uintptr, err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if fa, ok := r.(FaultAddr); ok {
			faulted = true
			addr = fa.Addr()
			return
		}
		panic(r)
	}()

	fn()
	return false, 0, nil
}

// PageBase rounds addr down to the containing page boundary.
func PageBase(addr uintptr, pageSize int) uintptr {
	ps := uintptr(pageSize)
	return (addr / ps) * ps
}
