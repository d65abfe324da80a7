package vm

import (
	"kcore/defs"
	"kcore/util"
)

// Pagefault is the handler glue. addr is the faulting
// address, esp the pre-fault user stack pointer, user whether the
// access came from user mode, inSyscall whether the kernel is touching
// the page on a user's behalf (the loaded frame then stays pinned until
// the syscall unpins it). A non-zero return means the caller must
// terminate the process; this package never kills anything itself,
// process teardown being the scheduler glue's job.
func (as *AddrSpace) Pagefault(addr, esp uintptr, user, inSyscall bool) defs.Err_t {
	if user && addr >= PhysBase {
		return defs.EFAULT
	}
	upage := util.Rounddown(addr, defs.PageSize)

	as.mu.Lock()
	defer as.mu.Unlock()
	if sp, ok := as.spt[upage]; ok {
		return as.loadLocked(upage, sp, inSyscall)
	}

	// No SPTE: possible stack growth. The access is a stack access iff
	// it lands within 32 bytes below the stack pointer (push/pusha),
	// and the stack may not grow past 1 MiB below PhysBase.
	if addr+stackSlop < esp || addr < StackLimit || addr >= PhysBase {
		return defs.EFAULT
	}
	if err := as.addStackLocked(upage); err != 0 {
		return err
	}
	if inSyscall {
		if id, ok := as.Pd.Lookup(upage); ok {
			as.vm.Frames.Pin(id)
		}
	}
	return 0
}

// ensure makes upage present, faulting it in if needed, and returns its
// frame. wantPin pins it for the duration of the caller's access.
func (as *AddrSpace) ensure(upage uintptr, wantPin bool) (frame []byte, err defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	sp, ok := as.spt[upage]
	if !ok {
		return nil, defs.EFAULT
	}
	if err := as.loadLocked(upage, sp, wantPin); err != 0 {
		return nil, err
	}
	id, _ := as.Pd.Lookup(upage)
	return as.vm.Pool.At(id)[:], 0
}

// CopyIn reads len(dst) bytes of user memory starting at uva, the
// kernel-reads-user direction. Each page
// is pinned only while its bytes are being moved, so an eviction
// between chunks cannot tear the copy.
func (as *AddrSpace) CopyIn(dst []byte, uva uintptr) defs.Err_t {
	for n := 0; n < len(dst); {
		upage := util.Rounddown(uva+uintptr(n), defs.PageSize)
		voff := int(uva+uintptr(n)) - int(upage)
		chunk := util.Min(defs.PageSize-voff, len(dst)-n)

		frame, err := as.ensure(upage, true)
		if err != 0 {
			return err
		}
		as.Pd.Touch(upage, false)
		copy(dst[n:n+chunk], frame[voff:voff+chunk])
		if id, ok := as.Pd.Lookup(upage); ok {
			as.vm.Frames.Unpin(id)
		}
		n += chunk
	}
	return 0
}

// CopyOut writes src into user memory at uva, failing on a read-only
// mapping the way a real MMU would fault a store.
func (as *AddrSpace) CopyOut(uva uintptr, src []byte) defs.Err_t {
	for n := 0; n < len(src); {
		upage := util.Rounddown(uva+uintptr(n), defs.PageSize)
		voff := int(uva+uintptr(n)) - int(upage)
		chunk := util.Min(defs.PageSize-voff, len(src)-n)

		frame, err := as.ensure(upage, true)
		if err != 0 {
			return err
		}
		if !as.Pd.Writable(upage) {
			if id, ok := as.Pd.Lookup(upage); ok {
				as.vm.Frames.Unpin(id)
			}
			return defs.EFAULT
		}
		as.Pd.Touch(upage, true)
		copy(frame[voff:voff+chunk], src[n:n+chunk])
		if id, ok := as.Pd.Lookup(upage); ok {
			as.vm.Frames.Unpin(id)
		}
		n += chunk
	}
	return 0
}

// PinRange faults in and pins every frame backing [uva, uva+n), for a
// syscall about to read or write that user buffer: failing to pin and
// subsequently evicting can lose a write. The caller
// must UnpinRange at syscall return.
func (as *AddrSpace) PinRange(uva uintptr, n int) defs.Err_t {
	if n <= 0 {
		return 0
	}
	first := util.Rounddown(uva, defs.PageSize)
	last := util.Rounddown(uva+uintptr(n)-1, defs.PageSize)
	for upage := first; upage <= last; upage += defs.PageSize {
		if _, err := as.ensure(upage, true); err != 0 {
			for p := first; p < upage; p += defs.PageSize {
				if id, ok := as.Pd.Lookup(p); ok {
					as.vm.Frames.Unpin(id)
				}
			}
			return err
		}
	}
	return 0
}

// UnpinRange reverses PinRange.
func (as *AddrSpace) UnpinRange(uva uintptr, n int) {
	if n <= 0 {
		return
	}
	first := util.Rounddown(uva, defs.PageSize)
	last := util.Rounddown(uva+uintptr(n)-1, defs.PageSize)
	for upage := first; upage <= last; upage += defs.PageSize {
		if id, ok := as.Pd.Lookup(upage); ok {
			as.vm.Frames.Unpin(id)
		}
	}
}
