package vm

import (
	"sync"

	"kcore/defs"
	"kcore/util"
)

// PageType determines a page's eviction policy.
type PageType int

const (
	// ExecPage is a lazily-loaded executable segment page.
	ExecPage PageType = iota
	// MmapPage belongs to a memory-mapped file region.
	MmapPage
	// TmpPage is anonymous memory (stack); swap-backed once evicted.
	TmpPage
)

// SPTE tells the fault handler how to materialize one user page. The
// backing info is a tagged variant: FilesysPage selects between the
// file fields and the swap slot.
//
// Fields are mutated only while the page's frame-table entry is locked
// (eviction, load) or before the entry is published; readers on the
// fault path see a stable value because only a present page's SPTE is
// ever rewritten.
type SPTE struct {
	Type        PageType
	FilesysPage bool
	Writable    bool

	// Filesystem backing, valid when FilesysPage.
	File      BackingFile
	Offset    int
	ReadBytes int

	// Swap backing, valid when !FilesysPage and Slot != SlotNone.
	Slot defs.SlotID
}

// AddrSpace is one process's view of the paging subsystem: its page
// directory, its supplementary page table, and its mmap regions. The
// mutex is held across the whole of fault handling.
type AddrSpace struct {
	vm *VM
	Pd *Pagedir

	mu        sync.Mutex
	spt       map[uintptr]*SPTE
	mmaps     map[int]*mmapRegion
	nextMapID int
}

// NewAddrSpace returns an empty address space over the shared services.
func NewAddrSpace(v *VM) *AddrSpace {
	return &AddrSpace{
		vm:    v,
		Pd:    NewPagedir(),
		spt:   make(map[uintptr]*SPTE),
		mmaps: make(map[int]*mmapRegion),
	}
}

func checkUpage(upage uintptr) {
	if upage%defs.PageSize != 0 {
		panic("vm: unaligned user page")
	}
}

// AddExec registers a lazily-loaded executable page: nothing is read
// until the first fault.
func (as *AddrSpace) AddExec(upage uintptr, file BackingFile, offset, readBytes int, writable bool) defs.Err_t {
	checkUpage(upage)
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, ok := as.spt[upage]; ok {
		return defs.EINVAL
	}
	as.spt[upage] = &SPTE{
		Type:        ExecPage,
		FilesysPage: true,
		Writable:    writable,
		File:        file,
		Offset:      offset,
		ReadBytes:   readBytes,
		Slot:        SlotNone,
	}
	return 0
}

// AddStack creates a zeroed TMP stack page eagerly: frame allocated and
// mapping installed before the call returns.
func (as *AddrSpace) AddStack(upage uintptr) defs.Err_t {
	checkUpage(upage)
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.addStackLocked(upage)
}

func (as *AddrSpace) addStackLocked(upage uintptr) defs.Err_t {
	if _, ok := as.spt[upage]; ok {
		return defs.EINVAL
	}
	sp := &SPTE{Type: TmpPage, Writable: true, Slot: SlotNone}
	as.spt[upage] = sp
	if err := as.loadLocked(upage, sp, false); err != 0 {
		delete(as.spt, upage)
		return err
	}
	return 0
}

// Load materializes upage per its SPTE: get a frame (possibly evicting
// someone else's), fill it from filesys or swap, install the mapping.
// keepPinned leaves the frame pinned for a caller about to touch the
// page on a user's behalf.
func (as *AddrSpace) Load(upage uintptr, keepPinned bool) defs.Err_t {
	checkUpage(upage)
	as.mu.Lock()
	defer as.mu.Unlock()
	sp, ok := as.spt[upage]
	if !ok {
		return defs.EFAULT
	}
	return as.loadLocked(upage, sp, keepPinned)
}

func (as *AddrSpace) loadLocked(upage uintptr, sp *SPTE, keepPinned bool) defs.Err_t {
	if id, ok := as.Pd.Lookup(upage); ok {
		// Already present: a racing fault beat us here.
		if keepPinned {
			as.vm.Frames.Pin(id)
		}
		return 0
	}

	id := as.vm.Frames.Alloc()
	page := as.vm.Pool.At(id)

	switch {
	case sp.FilesysPage:
		want := util.Min(sp.ReadBytes, defs.PageSize)
		n := 0
		if want > 0 {
			var err defs.Err_t
			n, err = sp.File.ReadAt(page[:want], sp.Offset)
			if err != 0 {
				as.vm.Frames.Free(id)
				return defs.EFAULT
			}
		}
		for i := n; i < defs.PageSize; i++ {
			page[i] = 0
		}
	case sp.Slot != SlotNone:
		if !as.vm.Swap.Read(sp.Slot, page[:]) {
			as.vm.Frames.Free(id)
			return defs.EFAULT
		}
		sp.Slot = SlotNone
	default:
		// Fresh anonymous page: zero-fill.
		for i := range page {
			page[i] = 0
		}
	}

	as.vm.Frames.Install(id, upage, as.Pd, sp, !keepPinned)
	as.Pd.Install(upage, id, sp.Writable)
	return 0
}

// Remove drops one page from the address space: write back a dirty
// mmap page, free the frame or swap slot, drop the SPTE.
func (as *AddrSpace) Remove(upage uintptr) {
	checkUpage(upage)
	as.mu.Lock()
	defer as.mu.Unlock()
	if sp, ok := as.spt[upage]; ok {
		as.removePageLocked(upage, sp)
		delete(as.spt, upage)
	}
}

func (as *AddrSpace) removePageLocked(upage uintptr, sp *SPTE) {
	if id, ok := as.Pd.Lookup(upage); ok {
		reclaimed := false
		as.vm.Frames.withEntry(id, func(e *fte) {
			if !e.inuse || e.spte != sp {
				// The clock got here first; the page is in its new home.
				return
			}
			if sp.Type == MmapPage && as.Pd.IsDirty(upage) {
				page := as.vm.Pool.At(id)
				sp.File.WriteAt(page[:sp.ReadBytes], sp.Offset)
			}
			as.Pd.ClearPage(upage)
			e.inuse = false
			e.pinned = false
			e.upage, e.pd, e.spte = 0, nil, nil
			reclaimed = true
		})
		if reclaimed {
			as.vm.Pool.Free(id)
			return
		}
	}
	if !sp.FilesysPage && sp.Slot != SlotNone {
		as.vm.Swap.Free(sp.Slot)
		sp.Slot = SlotNone
	}
}

// Destroy tears the whole address space down at process exit: every
// mapped page is removed exactly as Remove would, mmap regions
// included (their dirty pages are written back).
func (as *AddrSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for upage, sp := range as.spt {
		as.removePageLocked(upage, sp)
		delete(as.spt, upage)
	}
	for id := range as.mmaps {
		delete(as.mmaps, id)
	}
}

// Present reports whether upage currently has a frame, for tests.
func (as *AddrSpace) Present(upage uintptr) bool {
	_, ok := as.Pd.Lookup(upage)
	return ok
}
