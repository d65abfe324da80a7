// Package vm is the paging subsystem: a per-process
// supplementary page table, a global frame table with second-chance
// clock eviction, a swap store keyed by page-size slots, lazy loading
// from executables and memory-mapped files, and stack growth.
//
// Nothing here runs on real hardware: the page directory is simulated
// (pagedir.go), and "physical memory" is a mem.Pool of page buffers.
// The ownership graph survives intact: the FTE owns the back-reference
// (pointers to the owning page directory and SPTE, plus a pinned bit),
// the SPTE owns the forward info, and a page directory names its frame
// by mem.FrameID index.
package vm

import (
	"kcore/defs"
	"kcore/mem"
)

const (
	// PhysBase is the top of user virtual address space. Accesses at or
	// above it from user mode terminate the process.
	PhysBase uintptr = 0xC0000000

	// StackMax bounds stack growth to 1 MiB below PhysBase.
	StackMax = 1 << 20

	// StackLimit is the lowest address a stack access may touch.
	StackLimit = PhysBase - StackMax

	// stackSlop is how far below the stack pointer an access may land and
	// still count as stack growth: 32 bytes, permitting push/pusha.
	stackSlop = 32
)

// VM bundles the process-wide paging services — the frame pool, the
// frame table, and the swap store — into one context object, so address
// spaces take an explicit reference instead of reaching into package
// globals.
type VM struct {
	Pool   *mem.Pool
	Frames *FrameTable
	Swap   *Swap
}

// New sizes the frame table to the pool and wires the three services
// together. swapDev may be nil if the workload never evicts to swap
// (pure file-backed pages); eviction of an anonymous or dirty
// executable page with no swap device panics, the swap-full rule
// arriving one step early.
func New(pool *mem.Pool, swapDev SwapDevice) *VM {
	v := &VM{Pool: pool}
	if swapDev != nil {
		v.Swap = NewSwap(swapDev)
	}
	v.Frames = newFrameTable(pool, v)
	return v
}

// BackingFile is the slice of a file handle the paging layer needs: the
// fsys package's File satisfies it. Offsets are bytes from the start of
// the file; short reads past EOF return the bytes that exist.
type BackingFile interface {
	ReadAt(buf []byte, off int) (int, defs.Err_t)
	WriteAt(buf []byte, off int) (int, defs.Err_t)
}
