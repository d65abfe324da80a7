// Package fsys is the filesystem facade: the layer the syscall surface
// (create, remove, open, read, write, seek, tell, mkdir, chdir,
// readdir, isdir, inumber, ...) calls into. It owns mounting and clean
// shutdown, per-process working directories, and path resolution over
// the dirent layer.
package fsys

import (
	"fmt"
	"sync"

	"kcore/bc"
	"kcore/defs"
	"kcore/dirent"
	"kcore/diskdev"
	"kcore/freemap"
	"kcore/inode"
	"kcore/klog"
)

// Fsys is a mounted filesystem. One per device.
type Fsys struct {
	disk    diskdev.Device
	Cache   *bc.Cache
	FreeMap *freemap.Map
	Inodes  *inode.Table

	mu      sync.Mutex
	cwdRefs map[defs.SectorID]int // live processes whose cwd is this dir
}

// Format lays a fresh filesystem onto disk: the free map (with its file
// inode at sector 0), the root directory at sector 1 with '.' and '..'
// planted, nothing else. Background cache tasks are not started; call
// Start once the caller is ready for them.
func Format(disk diskdev.Device) *Fsys {
	cache := bc.New(disk)
	fm := freemap.Format(cache, disk.NumSectors())
	tbl := inode.NewTable(cache, fm)
	cache.SetReadAheadResolver(tbl)
	f := &Fsys{disk: disk, Cache: cache, FreeMap: fm, Inodes: tbl,
		cwdRefs: make(map[defs.SectorID]int)}

	// Sector 0 holds the free-map file's inode. The bitmap
	// occupies a contiguous run of direct blocks starting at sector 2.
	start, nsec := fm.DataSectors()
	if nsec > inode.NumDirect {
		panic(fmt.Sprintf("fsys: device needs %d free-map sectors, max %d", nsec, inode.NumDirect))
	}
	var fmInode inode.DiskInode
	fmInode.IsFile = true
	fmInode.Length = int32((disk.NumSectors() + 7) / 8)
	for i := 0; i < nsec; i++ {
		fmInode.Blocks[i] = uint32(start) + uint32(i)
	}
	inode.WriteDisk(cache, defs.FreeMapSector, fmInode)

	root, err := tbl.CreateAt(defs.RootDirSector, false)
	if err != 0 {
		panic("fsys: formatting root directory failed")
	}
	d := dirent.Open(tbl, root)
	if err := d.Add(".", defs.RootDirSector); err != 0 {
		panic("fsys: planting '.' failed")
	}
	if err := d.Add("..", defs.RootDirSector); err != 0 {
		panic("fsys: planting '..' failed")
	}
	tbl.Close(root)
	return f
}

// Mount opens an already-formatted disk.
func Mount(disk diskdev.Device) (*Fsys, defs.Err_t) {
	cache := bc.New(disk)
	if _, ok := inode.ReadDisk(cache, defs.RootDirSector); !ok {
		return nil, defs.EINVAL
	}
	fm := freemap.Load(cache, disk.NumSectors())
	tbl := inode.NewTable(cache, fm)
	cache.SetReadAheadResolver(tbl)
	return &Fsys{disk: disk, Cache: cache, FreeMap: fm, Inodes: tbl,
		cwdRefs: make(map[defs.SectorID]int)}, 0
}

// Start launches the cache's background write-back and read-ahead tasks.
func (f *Fsys) Start() {
	f.Cache.StartBackgroundTasks()
}

// Done is the only flush point the system promises: the
// free map is persisted, every dirty cache entry written back, the
// background tasks stopped, and the device synced.
func (f *Fsys) Done() {
	f.FreeMap.Persist()
	f.Cache.Flush(true)
	if err := f.Cache.Stop(); err != nil {
		klog.L().Warn().Err(err).Msg("fsys: background task error at shutdown")
	}
	f.disk.Sync()
}

func (f *Fsys) cwdRef(sector defs.SectorID) {
	f.mu.Lock()
	f.cwdRefs[sector]++
	f.mu.Unlock()
}

func (f *Fsys) cwdUnref(sector defs.SectorID) {
	f.mu.Lock()
	f.cwdRefs[sector]--
	if f.cwdRefs[sector] == 0 {
		delete(f.cwdRefs, sector)
	}
	f.mu.Unlock()
}

// cwdBusy reports whether any live process has sector as its working
// directory; the dirent removal policy consults it.
func (f *Fsys) cwdBusy(sector defs.SectorID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwdRefs[sector] > 0
}
