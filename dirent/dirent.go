// Package dirent is the directory layer: a directory is
// just an inode whose payload is a sequence of fixed-size entries, with
// '.' and '..' planted at creation and hidden from enumeration.
package dirent

import (
	"kcore/defs"
	"kcore/inode"
	"kcore/util"
)

// NameMax is the longest a single path component may be.
const NameMax = inode.NameMax

// entrySize is the fixed on-disk size of one directory entry: a 4-byte
// sector id, a 15-byte NUL-padded name, and an in-use byte, rounded to a
// tidy power-of-two-friendly stride.
const entrySize = 24

const (
	offSector = 0
	offName   = 4
	offInUse  = 4 + 15
)

func decodeEntry(buf []byte) (sector defs.SectorID, name string, inUse bool) {
	sector = defs.SectorID(uint32(util.Readn(buf, 4, offSector)))
	end := offName
	for end < offName+15 && buf[end] != 0 {
		end++
	}
	name = string(buf[offName:end])
	inUse = buf[offInUse] != 0
	return
}

func encodeEntry(buf []byte, sector defs.SectorID, name string, inUse bool) {
	for i := range buf[:entrySize] {
		buf[i] = 0
	}
	util.Writen(buf, 4, offSector, int(sector))
	copy(buf[offName:offName+15], name)
	if inUse {
		buf[offInUse] = 1
	}
}

// ValidName reports whether name is a legal directory-entry name: non-
// empty and no longer than NameMax.
func ValidName(name string) bool {
	return len(name) > 0 && len(name) <= NameMax
}

// Dir wraps an inode known to hold directory-entry payload. All lookups
// and mutations go through the backing inode's table, so the per-
// directory lock is just whatever serialization the inode/bc layers
// already provide on that sector.
type Dir struct {
	inodes *inode.Table
	In     *inode.Inode
	pos    int // cursor for Next
}

// Open wraps an already-open directory inode.
func Open(inodes *inode.Table, in *inode.Inode) *Dir {
	return &Dir{inodes: inodes, In: in}
}

// OpenRoot opens the filesystem's root directory.
func OpenRoot(inodes *inode.Table) (*Dir, defs.Err_t) {
	in, err := inodes.Open(defs.RootDirSector)
	if err != 0 {
		return nil, err
	}
	return Open(inodes, in), 0
}

// Create allocates a fresh directory inode at no particular caller-known
// sector, plants '.' and '..', and returns it open.
func Create(inodes *inode.Table, parent defs.SectorID) (*inode.Inode, defs.Err_t) {
	in, err := inodes.Create(false)
	if err != 0 {
		return nil, err
	}
	d := Open(inodes, in)
	if err := d.add(".", in.Sector); err != 0 {
		return nil, err
	}
	if err := d.add("..", parent); err != 0 {
		return nil, err
	}
	return in, 0
}

func (d *Dir) readEntryAt(ofs int) (defs.SectorID, string, bool, bool) {
	buf := make([]byte, entrySize)
	n, _ := d.inodes.Read(d.In, buf, ofs)
	if n != entrySize {
		return 0, "", false, false
	}
	sector, name, inUse := decodeEntry(buf)
	return sector, name, inUse, true
}

func (d *Dir) writeEntryAt(ofs int, sector defs.SectorID, name string, inUse bool) defs.Err_t {
	buf := make([]byte, entrySize)
	encodeEntry(buf, sector, name, inUse)
	n, err := d.inodes.Write(d.In, buf, ofs)
	if err != 0 {
		return err
	}
	if n != entrySize {
		return defs.ENOSPC
	}
	return 0
}

// lookup linear-scans for name, returning its entry and byte offset.
func (d *Dir) lookup(name string) (sector defs.SectorID, ofs int, found bool) {
	for o := 0; ; o += entrySize {
		sec, n, inUse, ok := d.readEntryAt(o)
		if !ok {
			return 0, 0, false
		}
		if inUse && n == name {
			return sec, o, true
		}
	}
}

// Lookup finds name in d, returning its backing sector.
func (d *Dir) Lookup(name string) (defs.SectorID, bool) {
	sector, _, found := d.lookup(name)
	return sector, found
}

func (d *Dir) add(name string, sector defs.SectorID) defs.Err_t {
	if !ValidName(name) {
		return defs.EINVAL
	}
	if _, _, found := d.lookup(name); found {
		return defs.EEXIST
	}

	ofs := 0
	for {
		_, _, inUse, ok := d.readEntryAt(ofs)
		if !ok || !inUse {
			break
		}
		ofs += entrySize
	}
	return d.writeEntryAt(ofs, sector, name, true)
}

// Add creates a new entry named name pointing at sector. Fails if name is
// invalid or already present.
func (d *Dir) Add(name string, sector defs.SectorID) defs.Err_t {
	return d.add(name, sector)
}

// numRealEntries counts in-use entries excluding '.' and '..'.
func (d *Dir) numRealEntries() int {
	n := 0
	for o := 0; ; o += entrySize {
		_, name, inUse, ok := d.readEntryAt(o)
		if !ok {
			break
		}
		if inUse && name != "." && name != ".." {
			n++
		}
	}
	return n
}

// Remove erases the entry named name, enforcing the removal
// policy: if the target is a directory, it must be empty, not any live
// process's cwd (isBusy reports that, since process state lives outside
// this package's scope), and open nowhere else at this moment. isBusy may
// be nil if the caller has no process-table notion of cwd to consult.
func (d *Dir) Remove(name string, isBusy func(defs.SectorID) bool) defs.Err_t {
	sector, ofs, found := d.lookup(name)
	if !found {
		return defs.ENOENT
	}

	target, err := d.inodes.Open(sector)
	if err != 0 {
		return defs.ENOENT
	}
	defer d.inodes.Close(target)

	if !d.inodes.IsFile(target) {
		sub := Open(d.inodes, target)
		if sub.numRealEntries() != 0 {
			return defs.ENOTEMPTY
		}
		if isBusy != nil && isBusy(sector) {
			return defs.EBUSY
		}
		if target.OpenCount() > 1 {
			return defs.EBUSY
		}
	}

	if err := d.writeEntryAt(ofs, 0, "", false); err != 0 {
		return err
	}
	d.inodes.Remove(target)
	return 0
}

// Entry is one visible directory entry, as List returns them.
type Entry struct {
	Name   string
	Sector defs.SectorID
}

// List returns every visible entry ('.' and '..' excluded) in payload
// order. fsck walks the tree with it; readdir-style consumers use Next.
func (d *Dir) List() []Entry {
	var out []Entry
	for o := 0; ; o += entrySize {
		sec, name, inUse, ok := d.readEntryAt(o)
		if !ok {
			return out
		}
		if inUse && name != "." && name != ".." {
			out = append(out, Entry{Name: name, Sector: sec})
		}
	}
}

// Next advances the directory's read cursor and returns the next
// non-hidden entry's name (skipping '.' and '..'), or ok=false at the
// end.
func (d *Dir) Next() (name string, ok bool) {
	for {
		_, n, inUse, readOk := d.readEntryAt(d.pos)
		if !readOk {
			return "", false
		}
		d.pos += entrySize
		if inUse && n != "." && n != ".." {
			return n, true
		}
	}
}

// Rewind resets the read cursor used by Next.
func (d *Dir) Rewind() { d.pos = 0 }
