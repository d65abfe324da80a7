// Package freemap is the bitmap over every sector on the filesystem
// device, protected by a single lock.
//
// The classic layout keeps the bitmap in a regular file whose inode
// lives at sector 0, which in turn requires a bootstrap path at mkfs
// time (the free map's own inode is created before the free map exists
// to allocate blocks for anything else). This package keeps that
// bootstrap shape but flattens it: the bitmap's own backing sectors are a fixed, contiguous
// run immediately following the two reserved sectors (free-map sector 0,
// root-directory sector 1), computed once from the device's total sector
// count, instead of being addressed through the general multilevel inode
// indirection. This avoids inode <-> freemap construction order cycles
// without changing any externally visible invariant: the bits for the
// free-map's own sectors and the root directory's sector are still
// permanently set, and Allocate/Release still have the same contract.
package freemap

import (
	"fmt"
	"sync"

	"kcore/bc"
	"kcore/defs"
	"kcore/util"
)

// DataStartSector is where the bitmap's own backing sectors begin.
const DataStartSector defs.SectorID = 2

// bitmapSectors returns how many sectors are needed to hold a bitmap over
// totalSectors bits, rounded up.
func bitmapSectors(totalSectors uint32) int {
	bytes := util.Roundup(int(totalSectors), 8) / 8
	return util.Roundup(bytes, defs.SectorSize) / defs.SectorSize
}

// Map is the free-sector bitmap.
type Map struct {
	mu    sync.Mutex
	cache *bc.Cache
	bits  []byte // byte-packed, bit i == sector i
	total uint32
	nsec  int // number of sectors this bitmap itself occupies on disk
}

// Format initializes a brand-new bitmap for a device of totalSectors
// sectors: every bit clear except the two reserved sectors and the
// bitmap's own backing sectors, then persists it.
func Format(cache *bc.Cache, totalSectors uint32) *Map {
	m := &Map{cache: cache, total: totalSectors}
	m.nsec = bitmapSectors(totalSectors)
	m.bits = make([]byte, m.nsec*defs.SectorSize)

	m.setBit(uint32(defs.FreeMapSector))
	m.setBit(uint32(defs.RootDirSector))
	for s := uint32(DataStartSector); s < uint32(DataStartSector)+uint32(m.nsec); s++ {
		m.setBit(s)
	}
	m.persistLocked()
	return m
}

// Load reads an existing bitmap back from disk.
func Load(cache *bc.Cache, totalSectors uint32) *Map {
	m := &Map{cache: cache, total: totalSectors}
	m.nsec = bitmapSectors(totalSectors)
	m.bits = make([]byte, m.nsec*defs.SectorSize)
	for i := 0; i < m.nsec; i++ {
		h := cache.Get(DataStartSector+defs.SectorID(i), bc.SHARE)
		copy(m.bits[i*defs.SectorSize:(i+1)*defs.SectorSize], h.Bytes())
		cache.Release(h, false)
	}
	return m
}

func (m *Map) persistLocked() {
	for i := 0; i < m.nsec; i++ {
		h := m.cache.Get(DataStartSector+defs.SectorID(i), bc.EXCL)
		copy(h.Bytes(), m.bits[i*defs.SectorSize:(i+1)*defs.SectorSize])
		m.cache.Release(h, true)
	}
}

// Persist writes the in-memory bitmap back to disk. The system is allowed
// to panic on persistence failure; bc itself panics on any
// disk I/O error, so nothing further is needed here.
func (m *Map) Persist() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
}

func testBit(bits []byte, i uint32) bool {
	return bits[i/8]&(1<<(i%8)) != 0
}

func (m *Map) setBit(i uint32) {
	m.bits[i/8] |= 1 << (i % 8)
}

func (m *Map) clearBit(i uint32) {
	m.bits[i/8] &^= 1 << (i % 8)
}

// Allocate scans for count non-necessarily-consecutive free sectors,
// flipping bits as it goes. On partial failure it rolls back every sector
// it had grabbed, iterating forward over the partially filled output
// rather than a decrementing signed index.
func (m *Map) Allocate(count int) ([]defs.SectorID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	got := make([]defs.SectorID, 0, count)
	for s := uint32(0); s < m.total && len(got) < count; s++ {
		if !testBit(m.bits, s) {
			m.setBit(s)
			got = append(got, defs.SectorID(s))
		}
	}
	if len(got) < count {
		for _, s := range got {
			m.clearBit(uint32(s))
		}
		return nil, false
	}
	return got, true
}

// Release clears the bit for sector, asserting it was previously set.
func (m *Map) Release(sector defs.SectorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !testBit(m.bits, uint32(sector)) {
		panic(fmt.Sprintf("freemap: releasing already-free sector %d", sector))
	}
	m.clearBit(uint32(sector))
}

// Test reports whether sector is currently marked in-use.
func (m *Map) Test(sector defs.SectorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return testBit(m.bits, uint32(sector))
}

// InUse reports the number of sectors currently marked in-use — used by
// cmd/fsck's consistency report.
func (m *Map) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for s := uint32(0); s < m.total; s++ {
		if testBit(m.bits, s) {
			n++
		}
	}
	return n
}

// DataSectors returns how many sectors the bitmap itself occupies and
// where they start — used by fsys.Format to point the free-map file's
// inode at them.
func (m *Map) DataSectors() (start defs.SectorID, n int) {
	return DataStartSector, m.nsec
}
