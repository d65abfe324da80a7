package vm

import (
	"github.com/google/uuid"

	"kcore/defs"
	"kcore/klog"
)

// mmapRegion is one mmap-table entry: the map id, the
// start page, and the page count. The trace id correlates the region's
// creation, write-backs, and unmap in the background-task log.
type mmapRegion struct {
	id     int
	start  uintptr
	npages int
	trace  uuid.UUID
}

// Mmap maps npages pages of file at start. mapID is normally reused
// from the process's file-descriptor table space; a negative mapID asks
// the table to mint one. finalReadBytes is how much of the last page
// the file actually covers; the rest reads as zeros. If any one page
// fails, earlier ones are rolled back. Returns the map
// id, or an error when the region is invalid or overlaps an existing
// mapping.
func (as *AddrSpace) Mmap(mapID int, start uintptr, file BackingFile, npages, finalReadBytes int) (int, defs.Err_t) {
	checkUpage(start)
	if npages <= 0 || finalReadBytes < 0 || finalReadBytes > defs.PageSize {
		return -1, defs.EINVAL
	}
	end := start + uintptr(npages)*defs.PageSize
	if end <= start || end > PhysBase {
		return -1, defs.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if mapID < 0 {
		mapID = as.nextMapID
		as.nextMapID++
	}
	if _, ok := as.mmaps[mapID]; ok {
		return -1, defs.EINVAL
	}

	for i := 0; i < npages; i++ {
		upage := start + uintptr(i)*defs.PageSize
		if _, ok := as.spt[upage]; ok {
			for j := 0; j < i; j++ {
				delete(as.spt, start+uintptr(j)*defs.PageSize)
			}
			return -1, defs.EINVAL
		}
		rb := defs.PageSize
		if i == npages-1 {
			rb = finalReadBytes
		}
		as.spt[upage] = &SPTE{
			Type:        MmapPage,
			FilesysPage: true,
			Writable:    true,
			File:        file,
			Offset:      i * defs.PageSize,
			ReadBytes:   rb,
			Slot:        SlotNone,
		}
	}

	r := &mmapRegion{id: mapID, start: start, npages: npages, trace: uuid.New()}
	as.mmaps[mapID] = r
	klog.L().Debug().Str("trace", r.trace.String()).Int("map_id", mapID).
		Int("pages", npages).Msg("vm: mmap region created")
	return mapID, 0
}

// Munmap removes the region mapID created, writing dirty pages back to
// the file and dropping their SPTEs.
func (as *AddrSpace) Munmap(mapID int) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.mmaps[mapID]
	if !ok {
		return defs.EINVAL
	}
	for i := 0; i < r.npages; i++ {
		upage := r.start + uintptr(i)*defs.PageSize
		if sp, ok := as.spt[upage]; ok {
			as.removePageLocked(upage, sp)
			delete(as.spt, upage)
		}
	}
	delete(as.mmaps, mapID)
	klog.L().Debug().Str("trace", r.trace.String()).Int("map_id", mapID).
		Msg("vm: mmap region unmapped")
	return 0
}
