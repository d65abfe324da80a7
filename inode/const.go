// Package inode is the multilevel-index file layer:
// on-disk inodes with direct, singly-indirect, and doubly-indirect
// pointers, sparse files, growth on write, and the deny-write /
// extension-lock concurrency scheme.
package inode

import "kcore/defs"

const (
	// NumDirect is how many direct block pointers an inode carries.
	NumDirect = 122
	// PointersPerIndirect is 512/4: an indirect block is a sector full
	// of 4-byte sector ids.
	PointersPerIndirect = defs.SectorSize / 4

	// SingleIndirectSlot and DoubleIndirectSlot are the inode's logical
	// block slots holding the indirect pointers.
	SingleIndirectSlot = NumDirect
	DoubleIndirectSlot = NumDirect + 1

	// NumBlockPointers is the on-disk inode's total pointer count.
	NumBlockPointers = NumDirect + 2

	// MaxFileBytes is (122 + 128 + 128*128) * 512.
	MaxFileBytes = (NumDirect + PointersPerIndirect + PointersPerIndirect*PointersPerIndirect) * defs.SectorSize

	// diskMagic identifies a sector as holding a valid inode.
	diskMagic uint32 = 0x494E4F44

	// NameMax is the longest a single path component may be.
	NameMax = 14
)
