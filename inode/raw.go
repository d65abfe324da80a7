package inode

import (
	"kcore/bc"
	"kcore/defs"
)

// ReadDisk fetches the raw on-disk inode at sector through the cache,
// reporting false if the sector holds no valid inode. Used by Mount and,
// through IndexSectors, by fsck, which walk inodes that are not (and must
// not become) open.
func ReadDisk(cache *bc.Cache, sector defs.SectorID) (DiskInode, bool) {
	h := cache.Get(sector, bc.SHARE)
	defer cache.Release(h, false)
	if !validMagic(h.Bytes()) {
		return DiskInode{}, false
	}
	return decodeDiskInode(h.Bytes()), true
}

// WriteDisk encodes d directly into sector. Only the format-time
// bootstrap (the free-map file inode at sector 0) writes an inode this
// way; everything else goes through Table.Create.
func WriteDisk(cache *bc.Cache, sector defs.SectorID, d DiskInode) {
	h := cache.GetZeroed(sector, bc.EXCL)
	encodeDiskInode(d, h.Bytes())
	cache.Release(h, true)
}

// SetLength forces the on-disk length to n without writing any data —
// the freshly-created file stays fully sparse and reads as zeros. Used
// by create-with-initial-size.
func (t *Table) SetLength(in *Inode, n int) defs.Err_t {
	if n < 0 || n > MaxFileBytes {
		return defs.EINVAL
	}
	in.extMu.Lock()
	defer in.extMu.Unlock()
	h := t.cache.Get(in.Sector, bc.EXCL)
	d := decodeDiskInode(h.Bytes())
	d.Length = int32(n)
	encodeDiskInode(d, h.Bytes())
	t.cache.Release(h, true)
	return 0
}

// IndexSectors appends every sector reachable from the inode at sector —
// data blocks, indirect blocks, and the inode sector itself — to dst.
// fsck runs it over every live inode and compares the union against the
// free-map bitmap: in-use bits must equal reachable sectors plus the two
// reserved ones.
func IndexSectors(cache *bc.Cache, sector defs.SectorID, dst []defs.SectorID) []defs.SectorID {
	d, ok := ReadDisk(cache, sector)
	if !ok {
		return dst
	}
	dst = append(dst, sector)
	for i := 0; i < NumDirect; i++ {
		if d.Blocks[i] != 0 {
			dst = append(dst, defs.SectorID(d.Blocks[i]))
		}
	}
	if ib := d.Blocks[SingleIndirectSlot]; ib != 0 {
		dst = appendIndirect(cache, defs.SectorID(ib), dst)
	}
	if ib1 := d.Blocks[DoubleIndirectSlot]; ib1 != 0 {
		dst = append(dst, defs.SectorID(ib1))
		h := cache.Get(defs.SectorID(ib1), bc.SHARE)
		b1 := decodeIndirect(h.Bytes())
		cache.Release(h, false)
		for _, p := range b1.Ptrs {
			if p != 0 {
				dst = appendIndirect(cache, defs.SectorID(p), dst)
			}
		}
	}
	return dst
}

func appendIndirect(cache *bc.Cache, sector defs.SectorID, dst []defs.SectorID) []defs.SectorID {
	dst = append(dst, sector)
	h := cache.Get(sector, bc.SHARE)
	ib := decodeIndirect(h.Bytes())
	cache.Release(h, false)
	for _, p := range ib.Ptrs {
		if p != 0 {
			dst = append(dst, defs.SectorID(p))
		}
	}
	return dst
}
