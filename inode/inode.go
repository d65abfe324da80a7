package inode

import (
	"sync"

	"kcore/bc"
	"kcore/defs"
	"kcore/freemap"
	"kcore/util"
)

// Inode is the in-memory record for an open inode. The
// on-disk sector (via the buffer cache) is the sole authority for length
// and block pointers; this struct carries only what bookkeeping needs to
// live in memory: the open/write counts, the removed latch, the
// deny-write counter and its condition variable, and the extension lock
// serializing writers that grow the file.
type Inode struct {
	Sector defs.SectorID

	mu             sync.Mutex
	openCount      int
	writeCount     int
	removed        bool
	denyWriteCount int
	denyWriteCond  *sync.Cond

	extMu sync.Mutex // serializes any write that extends the file
}

// IsRemoved reports whether Remove has latched this inode for deletion.
func (in *Inode) IsRemoved() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// OpenCount returns the live in-memory reference count.
func (in *Inode) OpenCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openCount
}

// DenyWriteCount exposes the deny-write counter for tests/fsck to assert
// it stays bounded by OpenCount.
func (in *Inode) DenyWriteCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.denyWriteCount
}

// Table is the global in-memory list of open inodes plus the machinery to
// read/write/grow/remove them. It is the "kernel services" context object
// for this layer: callers hold an explicit *Table rather than reaching
// into package globals.
type Table struct {
	cache *bc.Cache
	fm    *freemap.Map

	mu   sync.Mutex // protects open, the global open-inodes lock
	open map[defs.SectorID]*Inode
}

// NewTable builds an inode table fronting cache and fm.
func NewTable(cache *bc.Cache, fm *freemap.Map) *Table {
	return &Table{cache: cache, fm: fm, open: make(map[defs.SectorID]*Inode)}
}

// Create allocates a fresh sector, initializes an empty on-disk inode on
// it, and returns it already open with an open-count of 1.
func (t *Table) Create(isFile bool) (*Inode, defs.Err_t) {
	got, ok := t.fm.Allocate(1)
	if !ok {
		return nil, defs.ENOSPC
	}
	sector := got[0]
	h := t.cache.GetZeroed(sector, bc.EXCL)
	encodeDiskInode(DiskInode{IsFile: isFile}, h.Bytes())
	t.cache.Release(h, true)

	in := t.register(sector)
	return in, 0
}

// CreateAt initializes an empty on-disk inode directly at sector, without
// consulting the free map. Used only for the filesystem's two reserved
// sectors (the free-map sector and the root-directory sector), whose
// bits the free map already marks permanently set at format time rather
// than through Allocate.
func (t *Table) CreateAt(sector defs.SectorID, isFile bool) (*Inode, defs.Err_t) {
	h := t.cache.GetZeroed(sector, bc.EXCL)
	encodeDiskInode(DiskInode{IsFile: isFile}, h.Bytes())
	t.cache.Release(h, true)
	return t.register(sector), 0
}

func (t *Table) register(sector defs.SectorID) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := &Inode{Sector: sector, openCount: 1}
	in.denyWriteCond = sync.NewCond(&in.mu)
	t.open[sector] = in
	return in
}

// Open returns the in-memory record for sector, opening it fresh (and
// validating the on-disk magic) or returning the existing record with its
// open-count incremented if it is already live: "a second
// open of the same sector returns the existing record".
func (t *Table) Open(sector defs.SectorID) (*Inode, defs.Err_t) {
	t.mu.Lock()
	if in, ok := t.open[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		t.mu.Unlock()
		return in, 0
	}
	t.mu.Unlock()

	h := t.cache.Get(sector, bc.SHARE)
	ok := validMagic(h.Bytes())
	t.cache.Release(h, false)
	if !ok {
		return nil, defs.ENOENT
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.open[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		return in, 0
	}
	in := &Inode{Sector: sector, openCount: 1}
	in.denyWriteCond = sync.NewCond(&in.mu)
	t.open[sector] = in
	return in, 0
}

// Remove latches in for deletion: the actual block release happens on the
// last Close.
func (t *Table) Remove(in *Inode) {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Close drops one open reference. When the count reaches zero the record
// is dropped from the table, and if it had been Remove'd its blocks (and
// finally its own sector) are released back to the free map.
func (t *Table) Close(in *Inode) {
	in.mu.Lock()
	in.openCount--
	free := in.openCount == 0
	removed := in.removed
	in.mu.Unlock()
	if !free {
		return
	}

	t.mu.Lock()
	delete(t.open, in.Sector)
	t.mu.Unlock()

	if removed {
		t.freeBlocks(in)
		t.fm.Release(in.Sector)
	}
}

// Length reads the authoritative on-disk length.
func (t *Table) Length(in *Inode) int {
	h := t.cache.Get(in.Sector, bc.SHARE)
	d := decodeDiskInode(h.Bytes())
	t.cache.Release(h, false)
	return int(d.Length)
}

// IsFile reports whether in is a regular file (false means directory).
func (t *Table) IsFile(in *Inode) bool {
	h := t.cache.Get(in.Sector, bc.SHARE)
	d := decodeDiskInode(h.Bytes())
	t.cache.Release(h, false)
	return d.IsFile
}

// DenyWrite waits for in-flight writers to drain, then increments the
// deny-write counter. Bounded by OpenCount.
func (t *Table) DenyWrite(in *Inode) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.writeCount > 0 {
		in.denyWriteCond.Wait()
	}
	in.denyWriteCount++
}

// AllowWrite reverses a prior DenyWrite.
func (t *Table) AllowWrite(in *Inode) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyWriteCount--
}

// Read copies up to len(buf) bytes starting at offset into buf, zero-
// filling any sparse hole, and returns the number of bytes actually read
// (clamped to the file's current length).
func (t *Table) Read(in *Inode, buf []byte, offset int) (int, defs.Err_t) {
	length := t.Length(in)
	n := 0
	for n < len(buf) {
		pos := offset + n
		if pos >= length {
			break
		}
		L := pos / defs.SectorSize
		within := pos % defs.SectorSize
		chunk := util.Min(defs.SectorSize-within, len(buf)-n)
		chunk = util.Min(chunk, length-pos)

		sector, err := t.getDataSector(in, L, false)
		if err != 0 {
			return n, err
		}
		if sector == 0 {
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		} else {
			h := t.cache.Get(sector, bc.SHARE)
			copy(buf[n:n+chunk], h.Bytes()[within:within+chunk])
			missed := h.Missed()
			t.cache.Release(h, false)
			if missed {
				// Hint the block after the one we just brought in.
				t.cache.QueueReadAhead(in.Sector, pos+chunk)
			}
		}
		n += chunk
	}
	return n, 0
}

// Write copies len(buf) bytes into the file starting at offset, growing
// it as needed up to MaxFileBytes (beyond that, the write is short).
// Extending writes are serialized by in.extMu; non-extending writes
// proceed concurrently with each other and with readers.
func (t *Table) Write(in *Inode, buf []byte, offset int) (int, defs.Err_t) {
	in.mu.Lock()
	if in.denyWriteCount > 0 {
		in.mu.Unlock()
		return 0, 0
	}
	in.writeCount++
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.writeCount--
		if in.writeCount == 0 {
			in.denyWriteCond.Broadcast()
		}
		in.mu.Unlock()
	}()

	if offset >= MaxFileBytes {
		return 0, 0
	}
	end := offset + len(buf)
	if end > MaxFileBytes {
		end = MaxFileBytes
	}
	toWrite := end - offset
	if toWrite <= 0 {
		return 0, 0
	}

	n := 0
	for n < toWrite {
		pos := offset + n
		L := pos / defs.SectorSize
		within := pos % defs.SectorSize
		chunk := util.Min(defs.SectorSize-within, toWrite-n)

		h := t.cache.Get(in.Sector, bc.EXCL)
		curLen := int(decodeDiskInode(h.Bytes()).Length)
		t.cache.Release(h, false)
		extends := pos+chunk > curLen
		if extends {
			in.extMu.Lock()
		}

		sector, err := t.getDataSector(in, L, true)
		if err != 0 {
			if extends {
				in.extMu.Unlock()
			}
			return n, err
		}

		// Safe as a SHARE-write: extending writes land in a region
		// invisible to readers until length advances.
		hd := t.cache.Get(sector, bc.SHARE)
		copy(hd.Bytes()[within:within+chunk], buf[n:n+chunk])
		t.cache.Release(hd, true)

		if extends {
			h2 := t.cache.Get(in.Sector, bc.EXCL)
			d2 := decodeDiskInode(h2.Bytes())
			if newLen := pos + chunk; int32(newLen) > d2.Length {
				d2.Length = int32(newLen)
			}
			encodeDiskInode(d2, h2.Bytes())
			t.cache.Release(h2, true)
			in.extMu.Unlock()
		}
		n += chunk
	}
	return n, 0
}

func (t *Table) zeroSector(s defs.SectorID) {
	h := t.cache.GetZeroed(s, bc.EXCL)
	t.cache.Release(h, true)
}

// getDataSector resolves logical block L to a data sector, allocating the
// missing portion of the index-tree path when create is true. It returns
// (0, 0) for a sparse hole when create is false.
func (t *Table) getDataSector(in *Inode, L int, create bool) (defs.SectorID, defs.Err_t) {
	loc := Locate(L)
	switch loc.Kind {
	case Direct:
		return t.resolveDirect(in, loc.Idx, create)
	case Single:
		return t.resolveSingle(in, loc.Idx, create)
	default:
		return t.resolveDouble(in, loc.L1, loc.L2, create)
	}
}

func (t *Table) resolveDirect(in *Inode, idx int, create bool) (defs.SectorID, defs.Err_t) {
	h := t.cache.Get(in.Sector, bc.SHARE)
	sec := defs.SectorID(decodeDiskInode(h.Bytes()).Blocks[idx])
	t.cache.Release(h, false)
	if sec != 0 || !create {
		return sec, 0
	}

	got, ok := t.fm.Allocate(1)
	if !ok {
		return 0, defs.ENOSPC
	}
	data := got[0]
	t.zeroSector(data)

	h2 := t.cache.Get(in.Sector, bc.EXCL)
	d2 := decodeDiskInode(h2.Bytes())
	d2.Blocks[idx] = uint32(data)
	encodeDiskInode(d2, h2.Bytes())
	t.cache.Release(h2, true)
	return data, 0
}

func (t *Table) resolveSingle(in *Inode, idx int, create bool) (defs.SectorID, defs.Err_t) {
	h := t.cache.Get(in.Sector, bc.SHARE)
	ibSec := defs.SectorID(decodeDiskInode(h.Bytes()).Blocks[SingleIndirectSlot])
	t.cache.Release(h, false)

	if ibSec != 0 {
		return t.resolveIndirectSlot(ibSec, idx, create)
	}
	if !create {
		return 0, 0
	}

	got, ok := t.fm.Allocate(2)
	if !ok {
		return 0, defs.ENOSPC
	}
	ibSec, data := got[0], got[1]
	t.zeroSector(data)

	var ib indirectBlock
	ib.Ptrs[idx] = uint32(data)
	hib := t.cache.GetZeroed(ibSec, bc.EXCL)
	encodeIndirect(ib, hib.Bytes())
	t.cache.Release(hib, true)

	h2 := t.cache.Get(in.Sector, bc.EXCL)
	d2 := decodeDiskInode(h2.Bytes())
	d2.Blocks[SingleIndirectSlot] = uint32(ibSec)
	encodeDiskInode(d2, h2.Bytes())
	t.cache.Release(h2, true)
	return data, 0
}

func (t *Table) resolveDouble(in *Inode, l1, l2 int, create bool) (defs.SectorID, defs.Err_t) {
	h := t.cache.Get(in.Sector, bc.SHARE)
	ib1Sec := defs.SectorID(decodeDiskInode(h.Bytes()).Blocks[DoubleIndirectSlot])
	t.cache.Release(h, false)

	if ib1Sec == 0 {
		if !create {
			return 0, 0
		}
		got, ok := t.fm.Allocate(3)
		if !ok {
			return 0, defs.ENOSPC
		}
		ib1Sec, ib2Sec, data := got[0], got[1], got[2]
		t.zeroSector(data)

		var ib2 indirectBlock
		ib2.Ptrs[l2] = uint32(data)
		h2b := t.cache.GetZeroed(ib2Sec, bc.EXCL)
		encodeIndirect(ib2, h2b.Bytes())
		t.cache.Release(h2b, true)

		var ib1 indirectBlock
		ib1.Ptrs[l1] = uint32(ib2Sec)
		h1b := t.cache.GetZeroed(ib1Sec, bc.EXCL)
		encodeIndirect(ib1, h1b.Bytes())
		t.cache.Release(h1b, true)

		hN := t.cache.Get(in.Sector, bc.EXCL)
		dN := decodeDiskInode(hN.Bytes())
		dN.Blocks[DoubleIndirectSlot] = uint32(ib1Sec)
		encodeDiskInode(dN, hN.Bytes())
		t.cache.Release(hN, true)
		return data, 0
	}

	h1 := t.cache.Get(ib1Sec, bc.SHARE)
	ib2Sec := defs.SectorID(decodeIndirect(h1.Bytes()).Ptrs[l1])
	t.cache.Release(h1, false)

	if ib2Sec != 0 {
		return t.resolveIndirectSlot(ib2Sec, l2, create)
	}
	if !create {
		return 0, 0
	}

	got, ok := t.fm.Allocate(2)
	if !ok {
		return 0, defs.ENOSPC
	}
	ib2Sec, data := got[0], got[1]
	t.zeroSector(data)

	var ib2 indirectBlock
	ib2.Ptrs[l2] = uint32(data)
	h2b := t.cache.GetZeroed(ib2Sec, bc.EXCL)
	encodeIndirect(ib2, h2b.Bytes())
	t.cache.Release(h2b, true)

	h1e := t.cache.Get(ib1Sec, bc.EXCL)
	ib1e := decodeIndirect(h1e.Bytes())
	ib1e.Ptrs[l1] = uint32(ib2Sec)
	encodeIndirect(ib1e, h1e.Bytes())
	t.cache.Release(h1e, true)
	return data, 0
}

// resolveIndirectSlot reads (and, if create, allocates) slot idx of the
// indirect block at sector. Used for both the single-indirect block and
// the leaf hop of the double-indirect block.
func (t *Table) resolveIndirectSlot(sector defs.SectorID, idx int, create bool) (defs.SectorID, defs.Err_t) {
	h := t.cache.Get(sector, bc.SHARE)
	data := defs.SectorID(decodeIndirect(h.Bytes()).Ptrs[idx])
	t.cache.Release(h, false)
	if data != 0 || !create {
		return data, 0
	}

	got, ok := t.fm.Allocate(1)
	if !ok {
		return 0, defs.ENOSPC
	}
	data = got[0]
	t.zeroSector(data)

	h2 := t.cache.Get(sector, bc.EXCL)
	ib2 := decodeIndirect(h2.Bytes())
	ib2.Ptrs[idx] = uint32(data)
	encodeIndirect(ib2, h2.Bytes())
	t.cache.Release(h2, true)
	return data, 0
}

// freeBlocks releases every sector reachable from in's index tree: direct
// blocks, the single-indirect block and what it points to, the
// double-indirect block and everything under it — in that order.
func (t *Table) freeBlocks(in *Inode) {
	h := t.cache.Get(in.Sector, bc.SHARE)
	d := decodeDiskInode(h.Bytes())
	t.cache.Release(h, false)

	for i := 0; i < NumDirect; i++ {
		if d.Blocks[i] != 0 {
			t.fm.Release(defs.SectorID(d.Blocks[i]))
		}
	}
	if ib := d.Blocks[SingleIndirectSlot]; ib != 0 {
		t.freeIndirectData(defs.SectorID(ib))
		t.fm.Release(defs.SectorID(ib))
	}
	if ib1 := d.Blocks[DoubleIndirectSlot]; ib1 != 0 {
		h1 := t.cache.Get(defs.SectorID(ib1), bc.SHARE)
		ib1b := decodeIndirect(h1.Bytes())
		t.cache.Release(h1, false)
		for _, p := range ib1b.Ptrs {
			if p != 0 {
				t.freeIndirectData(defs.SectorID(p))
				t.fm.Release(defs.SectorID(p))
			}
		}
		t.fm.Release(defs.SectorID(ib1))
	}
}

func (t *Table) freeIndirectData(sector defs.SectorID) {
	h := t.cache.Get(sector, bc.SHARE)
	ib := decodeIndirect(h.Bytes())
	t.cache.Release(h, false)
	for _, p := range ib.Ptrs {
		if p != 0 {
			t.fm.Release(defs.SectorID(p))
		}
	}
}

// Resolve implements bc.ReadAheadResolver: turn a queued (inode sector,
// offset) hint into the data sector backing that offset. Resolving
// through the index tree at dequeue time keeps the hint correct for
// sparse files, where "next sector" would not be.
func (t *Table) Resolve(inodeSector defs.SectorID, offset int) (defs.SectorID, bool) {
	t.mu.Lock()
	in, ok := t.open[inodeSector]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	L := offset / defs.SectorSize
	sector, err := t.getDataSector(in, L, false)
	if err != 0 || sector == 0 {
		return 0, false
	}
	return sector, true
}
