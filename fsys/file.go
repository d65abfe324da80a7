package fsys

import (
	"sync"

	"kcore/defs"
	"kcore/dirent"
	"kcore/inode"
)

// File is an open file or directory handle. The position is per-handle,
// as the seek/tell syscalls require; two handles on the same inode move
// independently. It satisfies vm.BackingFile, which is how lazily-loaded
// executable pages and mmap regions reach back into the filesystem.
type File struct {
	fs     *Fsys
	in     *inode.Inode
	isFile bool

	mu  sync.Mutex
	pos int
	rd  *dirent.Dir // readdir cursor, directories only
}

// Close drops the handle's inode reference.
func (fl *File) Close() {
	fl.fs.Inodes.Close(fl.in)
}

// Inumber returns the inode sector, the system's stable file identity.
func (fl *File) Inumber() defs.SectorID {
	return fl.in.Sector
}

// Isdir reports whether the handle is a directory.
func (fl *File) Isdir() bool {
	return !fl.isFile
}

// Filesize returns the current length in bytes.
func (fl *File) Filesize() int {
	return fl.fs.Inodes.Length(fl.in)
}

// Seek sets the handle position. Seeking past EOF is legal; a later
// write there grows the file sparsely.
func (fl *File) Seek(pos int) defs.Err_t {
	if pos < 0 {
		return defs.EINVAL
	}
	fl.mu.Lock()
	fl.pos = pos
	fl.mu.Unlock()
	return 0
}

// Tell reports the handle position.
func (fl *File) Tell() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.pos
}

// Read copies up to len(buf) bytes at the handle position, advancing it.
func (fl *File) Read(buf []byte) (int, defs.Err_t) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n, err := fl.fs.Inodes.Read(fl.in, buf, fl.pos)
	fl.pos += n
	return n, err
}

// Write copies len(buf) bytes at the handle position, advancing it.
// Directories reject handle writes; their payload is mutated only
// through the dirent layer.
func (fl *File) Write(buf []byte) (int, defs.Err_t) {
	if !fl.isFile {
		return 0, defs.EISDIR
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n, err := fl.fs.Inodes.Write(fl.in, buf, fl.pos)
	fl.pos += n
	return n, err
}

// ReadAt reads at an explicit offset without moving the handle
// position; the paging layer loads lazy pages through it.
func (fl *File) ReadAt(buf []byte, off int) (int, defs.Err_t) {
	return fl.fs.Inodes.Read(fl.in, buf, off)
}

// WriteAt writes at an explicit offset without moving the handle
// position; mmap write-back comes through here.
func (fl *File) WriteAt(buf []byte, off int) (int, defs.Err_t) {
	if !fl.isFile {
		return 0, defs.EISDIR
	}
	return fl.fs.Inodes.Write(fl.in, buf, off)
}

// Readdir returns the next entry name, skipping '.' and '..', and
// false at the end of the directory.
func (fl *File) Readdir() (string, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.isFile {
		return "", false
	}
	if fl.rd == nil {
		fl.rd = dirent.Open(fl.fs.Inodes, fl.in)
	}
	return fl.rd.Next()
}

// DenyWrite drains in-flight writers and then blocks new ones, for a
// binary being executed. Paired with AllowWrite.
func (fl *File) DenyWrite() {
	fl.fs.Inodes.DenyWrite(fl.in)
}

// AllowWrite reverses a prior DenyWrite.
func (fl *File) AllowWrite() {
	fl.fs.Inodes.AllowWrite(fl.in)
}
