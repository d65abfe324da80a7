package vm

import (
	"fmt"
	"sync"

	"kcore/defs"
)

// SwapDevice is the sector-level device the swap store sits on. It is a
// strict subset of diskdev.Device so tests can hand in a MemDisk.
type SwapDevice interface {
	NumSectors() uint32
	ReadSector(id defs.SectorID, buf []byte)
	WriteSector(id defs.SectorID, buf []byte)
}

// SlotNone marks an SPTE that has no swap slot.
const SlotNone defs.SlotID = ^defs.SlotID(0)

// Swap treats a block device as a pool of page-sized slots, each
// defs.SectorsPerPage sectors, with a per-sector occupancy bitmap under
// a single lock.
type Swap struct {
	dev SwapDevice

	mu   sync.Mutex
	bits []byte // bit i == sector i of the swap device
}

// NewSwap wraps dev as a swap store with every slot free.
func NewSwap(dev SwapDevice) *Swap {
	n := int(dev.NumSectors())
	return &Swap{dev: dev, bits: make([]byte, (n+7)/8)}
}

// Slots reports how many page-sized slots the store holds.
func (s *Swap) Slots() int {
	return int(s.dev.NumSectors()) / defs.SectorsPerPage
}

func (s *Swap) test(i int) bool { return s.bits[i/8]&(1<<(i%8)) != 0 }
func (s *Swap) set(i int)       { s.bits[i/8] |= 1 << (i % 8) }
func (s *Swap) clear(i int)     { s.bits[i/8] &^= 1 << (i % 8) }

// Write stores one page and returns the slot holding it. Swap-full is
// fatal: there is no swap policy beyond abort.
func (s *Swap) Write(page []byte) defs.SlotID {
	if len(page) != defs.PageSize {
		panic("swap: page must be exactly one page")
	}
	s.mu.Lock()
	slot := -1
	for i := 0; i+defs.SectorsPerPage <= int(s.dev.NumSectors()); i += defs.SectorsPerPage {
		free := true
		for j := 0; j < defs.SectorsPerPage; j++ {
			if s.test(i + j) {
				free = false
				break
			}
		}
		if free {
			slot = i / defs.SectorsPerPage
			for j := 0; j < defs.SectorsPerPage; j++ {
				s.set(i + j)
			}
			break
		}
	}
	s.mu.Unlock()
	if slot < 0 {
		panic("swap: out of swap slots")
	}

	base := defs.SectorID(slot * defs.SectorsPerPage)
	for j := 0; j < defs.SectorsPerPage; j++ {
		s.dev.WriteSector(base+defs.SectorID(j), page[j*defs.SectorSize:(j+1)*defs.SectorSize])
	}
	return defs.SlotID(slot)
}

// Read restores the page stored in slot and frees the slot. It reports
// false if the slot was not fully occupied.
func (s *Swap) Read(slot defs.SlotID, page []byte) bool {
	if len(page) != defs.PageSize {
		panic("swap: page must be exactly one page")
	}
	base := int(slot) * defs.SectorsPerPage
	s.mu.Lock()
	for j := 0; j < defs.SectorsPerPage; j++ {
		if !s.test(base + j) {
			s.mu.Unlock()
			return false
		}
	}
	s.mu.Unlock()

	for j := 0; j < defs.SectorsPerPage; j++ {
		s.dev.ReadSector(defs.SectorID(base+j), page[j*defs.SectorSize:(j+1)*defs.SectorSize])
	}

	s.mu.Lock()
	for j := 0; j < defs.SectorsPerPage; j++ {
		s.clear(base + j)
	}
	s.mu.Unlock()
	return true
}

// Free releases slot without reading it, used when a swapped-out page's
// process exits.
func (s *Swap) Free(slot defs.SlotID) {
	base := int(slot) * defs.SectorsPerPage
	s.mu.Lock()
	defer s.mu.Unlock()
	for j := 0; j < defs.SectorsPerPage; j++ {
		if !s.test(base + j) {
			panic(fmt.Sprintf("swap: freeing unoccupied slot %d", slot))
		}
		s.clear(base + j)
	}
}

// InUse reports the number of occupied slots, for tests.
func (s *Swap) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := 0; i+defs.SectorsPerPage <= int(s.dev.NumSectors()); i += defs.SectorsPerPage {
		if s.test(i) {
			n++
		}
	}
	return n
}
