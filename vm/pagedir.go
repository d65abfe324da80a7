package vm

import (
	"sync"

	"kcore/defs"
	"kcore/mem"
)

// Pagedir is a simulated hardware page directory: a map from user-page
// base address to a PTE carrying the frame id plus the present /
// writable / accessed / dirty bits the eviction clock inspects. Real
// PML4 walking is impossible in user space, but the bits and their
// consumers are the same.
type Pagedir struct {
	mu    sync.Mutex
	pages map[uintptr]*pte
}

type pte struct {
	frame    mem.FrameID
	writable bool
	accessed bool
	dirty    bool
}

// NewPagedir returns an empty page directory.
func NewPagedir() *Pagedir {
	return &Pagedir{pages: make(map[uintptr]*pte)}
}

// Install publishes a user-page -> frame mapping. Replacing a live
// mapping is a bug in the caller.
func (pd *Pagedir) Install(upage uintptr, frame mem.FrameID, writable bool) {
	if upage%defs.PageSize != 0 {
		panic("pagedir: unaligned user page")
	}
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if _, ok := pd.pages[upage]; ok {
		panic("pagedir: mapping already present")
	}
	pd.pages[upage] = &pte{frame: frame, writable: writable}
}

// ClearPage nulls out the mapping for upage; a later access faults.
func (pd *Pagedir) ClearPage(upage uintptr) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	delete(pd.pages, upage)
}

// Lookup returns the frame backing upage, if present.
func (pd *Pagedir) Lookup(upage uintptr) (mem.FrameID, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e, ok := pd.pages[upage]
	if !ok {
		return mem.NoFrame, false
	}
	return e.frame, true
}

// Writable reports whether upage is mapped writable.
func (pd *Pagedir) Writable(upage uintptr) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e, ok := pd.pages[upage]
	return ok && e.writable
}

// Touch sets the accessed bit (and the dirty bit, when write is true)
// the way the MMU would on a real access. The user-copy helpers in
// fault.go call it on every page they move bytes through.
func (pd *Pagedir) Touch(upage uintptr, write bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if e, ok := pd.pages[upage]; ok {
		e.accessed = true
		if write {
			e.dirty = true
		}
	}
}

// TestAndClearAccessed is the clock's probe: it returns the accessed bit
// and clears it in one step.
func (pd *Pagedir) TestAndClearAccessed(upage uintptr) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e, ok := pd.pages[upage]
	if !ok || !e.accessed {
		return false
	}
	e.accessed = false
	return true
}

// IsDirty reports the dirty bit for upage.
func (pd *Pagedir) IsDirty(upage uintptr) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	e, ok := pd.pages[upage]
	return ok && e.dirty
}
