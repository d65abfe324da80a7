package inode

import (
	"kcore/util"
)

// DiskInode is the exact 512-byte on-disk layout:
//
//	offset 0    length          i32
//	offset 4    blocks[0..124]  u32[]  (122 direct + 1 single + 1 double)
//	offset 500  is_file         u8
//	offset 504  magic           u32
//
// All multi-byte fields are little-endian, decoded through util.Readn.
type DiskInode struct {
	Length int32
	Blocks [NumBlockPointers]uint32
	IsFile bool
}

func decodeDiskInode(buf []byte) DiskInode {
	var d DiskInode
	d.Length = int32(uint32(util.Readn(buf, 4, 0)))
	for i := 0; i < NumBlockPointers; i++ {
		d.Blocks[i] = uint32(util.Readn(buf, 4, 4+i*4))
	}
	d.IsFile = buf[500] != 0
	return d
}

func encodeDiskInode(d DiskInode, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	util.Writen(buf, 4, 0, int(d.Length))
	for i := 0; i < NumBlockPointers; i++ {
		util.Writen(buf, 4, 4+i*4, int(d.Blocks[i]))
	}
	if d.IsFile {
		buf[500] = 1
	}
	util.Writen(buf, 4, 504, int(diskMagic))
}

func validMagic(buf []byte) bool {
	return uint32(util.Readn(buf, 4, 504)) == diskMagic
}

// indirectBlock is a sector holding PointersPerIndirect sector ids; 0
// means sparse.
type indirectBlock struct {
	Ptrs [PointersPerIndirect]uint32
}

func decodeIndirect(buf []byte) indirectBlock {
	var ib indirectBlock
	for i := 0; i < PointersPerIndirect; i++ {
		ib.Ptrs[i] = uint32(util.Readn(buf, 4, i*4))
	}
	return ib
}

func encodeIndirect(ib indirectBlock, buf []byte) {
	for i := 0; i < PointersPerIndirect; i++ {
		util.Writen(buf, 4, i*4, int(ib.Ptrs[i]))
	}
}
