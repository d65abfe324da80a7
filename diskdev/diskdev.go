// Package diskdev is the bottom of the stack: an ordered sequence of
// fixed-size sectors exposing synchronous one-sector read/write. Real
// hardware would sit behind the same interface; here the implementations
// are a file-backed simulated disk and an in-memory one for tests.
package diskdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"kcore/defs"
)

// Device is a block device: a fixed number of defs.SectorSize-byte sectors.
// Any I/O error is the device's responsibility to surface, as a panic.
// There is no retry anywhere in this stack.
type Device interface {
	NumSectors() uint32
	ReadSector(id defs.SectorID, buf []byte)
	WriteSector(id defs.SectorID, buf []byte)
	Sync()
	Close()
}

// FileDisk memory-maps a backing image file and treats it as a flat sector
// array, the way hanwen-go-fuse and jacobsa-fuse reach for
// golang.org/x/sys/unix at the raw-syscall boundary of a file-backed
// storage layer, instead of doing per-sector ReadAt/WriteAt.
type FileDisk struct {
	f       *os.File
	data    []byte
	nsector uint32
}

// OpenFileDisk mmaps path (which must already be sized to a multiple of
// defs.SectorSize) and returns a Device backed by it.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size%defs.SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("diskdev: %s size %d is not a multiple of sector size", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, data: data, nsector: uint32(size / defs.SectorSize)}, nil
}

// CreateFileDisk creates a new zero-filled image of nsectors sectors and
// mmaps it.
func CreateFileDisk(path string, nsectors uint32) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(nsectors) * defs.SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	return OpenFileDisk(path)
}

func (d *FileDisk) NumSectors() uint32 { return d.nsector }

func (d *FileDisk) checkBounds(id defs.SectorID, buf []byte) {
	if len(buf) != defs.SectorSize {
		panic("diskdev: buffer must be exactly one sector")
	}
	if uint32(id) >= d.nsector {
		panic(fmt.Sprintf("diskdev: sector %d out of range (have %d)", id, d.nsector))
	}
}

func (d *FileDisk) ReadSector(id defs.SectorID, buf []byte) {
	d.checkBounds(id, buf)
	off := int(id) * defs.SectorSize
	copy(buf, d.data[off:off+defs.SectorSize])
}

func (d *FileDisk) WriteSector(id defs.SectorID, buf []byte) {
	d.checkBounds(id, buf)
	off := int(id) * defs.SectorSize
	copy(d.data[off:off+defs.SectorSize], buf)
}

// Sync flushes the mapping back to the backing file. This is the only
// crash-consistency guarantee this stack offers: "eventual" and "on clean
// shutdown".
func (d *FileDisk) Sync() {
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		panic(err)
	}
}

func (d *FileDisk) Close() {
	d.Sync()
	unix.Munmap(d.data)
	d.f.Close()
}

// MemDisk is a pure in-memory Device, used by unit tests that don't want
// filesystem fixtures.
type MemDisk struct {
	data    []byte
	nsector uint32
}

// NewMemDisk returns a zero-filled in-memory disk of nsectors sectors.
func NewMemDisk(nsectors uint32) *MemDisk {
	return &MemDisk{data: make([]byte, int(nsectors)*defs.SectorSize), nsector: nsectors}
}

func (d *MemDisk) NumSectors() uint32 { return d.nsector }

func (d *MemDisk) ReadSector(id defs.SectorID, buf []byte) {
	if len(buf) != defs.SectorSize {
		panic("diskdev: buffer must be exactly one sector")
	}
	if uint32(id) >= d.nsector {
		panic(fmt.Sprintf("diskdev: sector %d out of range (have %d)", id, d.nsector))
	}
	off := int(id) * defs.SectorSize
	copy(buf, d.data[off:off+defs.SectorSize])
}

func (d *MemDisk) WriteSector(id defs.SectorID, buf []byte) {
	if len(buf) != defs.SectorSize {
		panic("diskdev: buffer must be exactly one sector")
	}
	if uint32(id) >= d.nsector {
		panic(fmt.Sprintf("diskdev: sector %d out of range (have %d)", id, d.nsector))
	}
	off := int(id) * defs.SectorSize
	copy(d.data[off:off+defs.SectorSize], buf)
}

func (d *MemDisk) Sync()  {}
func (d *MemDisk) Close() {}
