package vm

import (
	"sync"

	"kcore/mem"
)

// fte is one frame-table entry. The back-pointers to the
// owning page directory and SPTE are what eviction needs to spill a
// victim it did not allocate. Where the original finds an entry by
// address arithmetic on the kernel page, here the mem.FrameID already
// is the array index.
type fte struct {
	mu sync.Mutex

	inuse  bool
	pinned bool
	upage  uintptr
	pd     *Pagedir
	spte   *SPTE
}

// FrameTable is the global flat array of frame-table entries, one per
// frame in the pool, sized at boot.
type FrameTable struct {
	pool *mem.Pool
	vm   *VM

	entries []fte

	evictMu sync.Mutex // serializes eviction decisions
	hand    int
}

func newFrameTable(pool *mem.Pool, v *VM) *FrameTable {
	return &FrameTable{pool: pool, vm: v, entries: make([]fte, pool.Len())}
}

// Alloc returns a frame, evicting if the pool is empty. The frame comes
// back pinned and with no metadata installed; the caller must Install
// before publishing any mapping, and Unpin when the load completes.
func (ft *FrameTable) Alloc() mem.FrameID {
	if id, _, ok := ft.pool.Alloc(); ok {
		e := &ft.entries[id]
		e.mu.Lock()
		e.inuse = true
		e.pinned = true
		e.upage, e.pd, e.spte = 0, nil, nil
		e.mu.Unlock()
		return id
	}
	return ft.evict()
}

// Install records the ownership metadata for a frame returned by Alloc.
// If unpin is true the frame becomes eligible for eviction immediately;
// callers that still have loading to do pass false and Unpin later.
func (ft *FrameTable) Install(id mem.FrameID, upage uintptr, pd *Pagedir, spte *SPTE, unpin bool) {
	e := &ft.entries[id]
	e.mu.Lock()
	e.upage, e.pd, e.spte = upage, pd, spte
	if unpin {
		e.pinned = false
	}
	e.mu.Unlock()
}

// Pin excludes the frame from eviction until Unpin.
func (ft *FrameTable) Pin(id mem.FrameID) {
	e := &ft.entries[id]
	e.mu.Lock()
	e.pinned = true
	e.mu.Unlock()
}

// Unpin makes the frame eligible for eviction again.
func (ft *FrameTable) Unpin(id mem.FrameID) {
	e := &ft.entries[id]
	e.mu.Lock()
	e.pinned = false
	e.mu.Unlock()
}

// Free releases a frame back to the pool, clearing its entry. The
// caller must already have removed any page-table mapping.
func (ft *FrameTable) Free(id mem.FrameID) {
	e := &ft.entries[id]
	e.mu.Lock()
	e.inuse = false
	e.pinned = false
	e.upage, e.pd, e.spte = 0, nil, nil
	e.mu.Unlock()
	ft.pool.Free(id)
}

// evict runs the second-chance clock: skip locked or
// pinned entries, give accessed pages a second chance, spill the first
// quiet victim per the spill policy, and hand its frame back still
// pinned. Two full passes without a victim is fatal.
func (ft *FrameTable) evict() mem.FrameID {
	ft.evictMu.Lock()
	defer ft.evictMu.Unlock()

	n := len(ft.entries)
	for pass := 0; pass < 2*n; pass++ {
		idx := ft.hand
		ft.hand = (ft.hand + 1) % n
		e := &ft.entries[idx]
		if !e.mu.TryLock() {
			continue
		}
		if !e.inuse || e.pinned || e.spte == nil {
			e.mu.Unlock()
			continue
		}
		if e.pd.TestAndClearAccessed(e.upage) {
			e.mu.Unlock()
			continue
		}

		ft.spill(e, mem.FrameID(idx))
		e.pd.ClearPage(e.upage)
		e.upage, e.pd, e.spte = 0, nil, nil
		e.pinned = true
		e.mu.Unlock()
		return mem.FrameID(idx)
	}
	panic("vm: frame eviction failed twice in a row")
}

// spill writes a victim's contents to wherever its next fault should
// find them, updating the SPTE in place: dirty mmap pages go back to
// their file, clean file-authoritative pages drop, everything else goes
// to a fresh swap slot. Caller holds
// e.mu; the frame is not yet repurposed so its bytes are stable.
func (ft *FrameTable) spill(e *fte, id mem.FrameID) {
	page := ft.pool.At(id)
	dirty := e.pd.IsDirty(e.upage)
	sp := e.spte

	switch {
	case sp.Type == MmapPage:
		if dirty {
			sp.File.WriteAt(page[:sp.ReadBytes], sp.Offset)
		}
		// Clean mmap pages drop silently; the file is authoritative.
	case sp.Type == ExecPage && sp.FilesysPage && !dirty:
		// Unmodified executable page: the ELF is authoritative.
	default:
		if ft.vm.Swap == nil {
			panic("vm: no swap device for anonymous eviction")
		}
		sp.Slot = ft.vm.Swap.Write(page[:])
		sp.FilesysPage = false
	}
}

// withEntry runs fn with the frame's entry lock held, used by the SPT
// removal path to coordinate with a concurrent clock sweep.
func (ft *FrameTable) withEntry(id mem.FrameID, fn func(*fte)) {
	e := &ft.entries[id]
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}
