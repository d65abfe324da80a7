package fsys

import (
	"kcore/defs"
	"kcore/dirent"
	"kcore/inode"
)

// Proc is one process's view of the filesystem: a working directory
// plus the path-taking operations. The scheduler glue owns process
// lifetime; it calls NewProc at spawn and Exit at teardown so the
// cwd-busy accounting the removal policy needs stays
// accurate.
type Proc struct {
	fs  *Fsys
	cwd *inode.Inode // held open for the process's lifetime
}

// NewProc returns a process handle rooted at /.
func (f *Fsys) NewProc() (*Proc, defs.Err_t) {
	root, err := f.Inodes.Open(defs.RootDirSector)
	if err != 0 {
		return nil, err
	}
	f.cwdRef(root.Sector)
	return &Proc{fs: f, cwd: root}, 0
}

// Exit releases the process's working directory.
func (p *Proc) Exit() {
	p.fs.cwdUnref(p.cwd.Sector)
	p.fs.Inodes.Close(p.cwd)
	p.cwd = nil
}

// resolve walks path one component at a time: absolute
// paths start at root, relative at the cwd; every non-final component
// must be a directory. The returned inode is open; the caller closes it.
func (p *Proc) resolve(path string) (*inode.Inode, defs.Err_t) {
	pa := dirent.SplitPath(path)
	if len(path) == 0 {
		return nil, defs.EINVAL
	}
	if pa.TrailingSlash && len(pa.Comps) > 0 {
		// A trailing '/' is allowed only for the root itself.
		return nil, defs.EINVAL
	}

	start := p.cwd.Sector
	if pa.Absolute {
		start = defs.RootDirSector
	}
	cur, err := p.fs.Inodes.Open(start)
	if err != 0 {
		return nil, err
	}
	for _, comp := range pa.Comps {
		if p.fs.Inodes.IsFile(cur) {
			p.fs.Inodes.Close(cur)
			return nil, defs.ENOTDIR
		}
		d := dirent.Open(p.fs.Inodes, cur)
		sector, found := d.Lookup(comp)
		if !found {
			p.fs.Inodes.Close(cur)
			return nil, defs.ENOENT
		}
		next, err := p.fs.Inodes.Open(sector)
		if err != 0 {
			p.fs.Inodes.Close(cur)
			return nil, err
		}
		p.fs.Inodes.Close(cur)
		cur = next
	}
	return cur, 0
}

// resolveParent resolves everything but the last component, returning
// the parent directory (open) and the final name.
func (p *Proc) resolveParent(path string) (*inode.Inode, string, defs.Err_t) {
	pa := dirent.SplitPath(path)
	if len(pa.Comps) == 0 {
		return nil, "", defs.EINVAL
	}
	if pa.TrailingSlash {
		return nil, "", defs.EINVAL
	}
	last := pa.Comps[len(pa.Comps)-1]
	if !dirent.ValidName(last) || dirent.IsDot(last) || dirent.IsDotDot(last) {
		return nil, "", defs.EINVAL
	}

	parentPath := dirent.Path{Absolute: pa.Absolute, Comps: pa.Comps[:len(pa.Comps)-1]}
	start := p.cwd.Sector
	if parentPath.Absolute {
		start = defs.RootDirSector
	}
	cur, err := p.fs.Inodes.Open(start)
	if err != 0 {
		return nil, "", err
	}
	for _, comp := range parentPath.Comps {
		if p.fs.Inodes.IsFile(cur) {
			p.fs.Inodes.Close(cur)
			return nil, "", defs.ENOTDIR
		}
		d := dirent.Open(p.fs.Inodes, cur)
		sector, found := d.Lookup(comp)
		if !found {
			p.fs.Inodes.Close(cur)
			return nil, "", defs.ENOENT
		}
		next, err := p.fs.Inodes.Open(sector)
		if err != 0 {
			p.fs.Inodes.Close(cur)
			return nil, "", err
		}
		p.fs.Inodes.Close(cur)
		cur = next
	}
	if p.fs.Inodes.IsFile(cur) {
		p.fs.Inodes.Close(cur)
		return nil, "", defs.ENOTDIR
	}
	return cur, last, 0
}

// Create makes a new regular file of initialSize bytes, fully sparse:
// its data reads back as zeros until written.
func (p *Proc) Create(path string, initialSize int) defs.Err_t {
	parent, name, err := p.resolveParent(path)
	if err != 0 {
		return err
	}
	defer p.fs.Inodes.Close(parent)

	d := dirent.Open(p.fs.Inodes, parent)
	if _, found := d.Lookup(name); found {
		return defs.EEXIST
	}
	in, err := p.fs.Inodes.Create(true)
	if err != 0 {
		return err
	}
	if err := p.fs.Inodes.SetLength(in, initialSize); err != 0 {
		p.fs.Inodes.Remove(in)
		p.fs.Inodes.Close(in)
		return err
	}
	if err := d.Add(name, in.Sector); err != 0 {
		p.fs.Inodes.Remove(in)
		p.fs.Inodes.Close(in)
		return err
	}
	p.fs.Inodes.Close(in)
	return 0
}

// Mkdir makes a new empty directory ('.' and '..' planted).
func (p *Proc) Mkdir(path string) defs.Err_t {
	parent, name, err := p.resolveParent(path)
	if err != 0 {
		return err
	}
	defer p.fs.Inodes.Close(parent)

	d := dirent.Open(p.fs.Inodes, parent)
	if _, found := d.Lookup(name); found {
		return defs.EEXIST
	}
	sub, err := dirent.Create(p.fs.Inodes, parent.Sector)
	if err != 0 {
		return err
	}
	if err := d.Add(name, sub.Sector); err != 0 {
		p.fs.Inodes.Remove(sub)
		p.fs.Inodes.Close(sub)
		return err
	}
	p.fs.Inodes.Close(sub)
	return 0
}

// Remove unlinks path, enforcing the directory removal policy: empty,
// nobody's cwd, open nowhere else.
func (p *Proc) Remove(path string) defs.Err_t {
	parent, name, err := p.resolveParent(path)
	if err != 0 {
		return err
	}
	defer p.fs.Inodes.Close(parent)
	d := dirent.Open(p.fs.Inodes, parent)
	return d.Remove(name, p.fs.cwdBusy)
}

// Open returns a handle on path, file or directory.
func (p *Proc) Open(path string) (*File, defs.Err_t) {
	in, err := p.resolve(path)
	if err != 0 {
		return nil, err
	}
	return &File{fs: p.fs, in: in, isFile: p.fs.Inodes.IsFile(in)}, 0
}

// Chdir changes the process's working directory.
func (p *Proc) Chdir(path string) defs.Err_t {
	in, err := p.resolve(path)
	if err != 0 {
		return err
	}
	if p.fs.Inodes.IsFile(in) {
		p.fs.Inodes.Close(in)
		return defs.ENOTDIR
	}
	p.fs.cwdUnref(p.cwd.Sector)
	p.fs.Inodes.Close(p.cwd)
	p.cwd = in
	p.fs.cwdRef(in.Sector)
	return 0
}

// Cwd reports the working directory's inode sector.
func (p *Proc) Cwd() defs.SectorID {
	return p.cwd.Sector
}
