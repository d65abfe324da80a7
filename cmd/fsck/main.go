// fsck checks a filesystem image against the free-map invariant: the
// set of sectors marked in-use must equal the union of sectors
// reachable from every live inode's index graph plus the two reserved
// sectors. It walks the directory tree from the root, rebuilds the
// expected bitmap, and reports every mismatched sector.
package main

import (
	"os"

	"github.com/spf13/pflag"

	"kcore/defs"
	"kcore/dirent"
	"kcore/diskdev"
	"kcore/fsys"
	"kcore/inode"
	"kcore/klog"
)

var image = pflag.String("image", "fs.img", "path of the disk image to check")

// walk collects every sector reachable from the directory tree rooted
// at sector into used, recursing into subdirectories.
func walk(fs *fsys.Fsys, sector defs.SectorID, used map[defs.SectorID]bool) {
	for _, s := range inode.IndexSectors(fs.Cache, sector, nil) {
		used[s] = true
	}
	in, err := fs.Inodes.Open(sector)
	if err != 0 {
		klog.L().Error().Uint32("sector", uint32(sector)).Msg("fsck: unreadable inode")
		return
	}
	defer fs.Inodes.Close(in)
	if fs.Inodes.IsFile(in) {
		return
	}
	d := dirent.Open(fs.Inodes, in)
	for _, e := range d.List() {
		walk(fs, e.Sector, used)
	}
}

func main() {
	pflag.Parse()

	disk, err := diskdev.OpenFileDisk(*image)
	if err != nil {
		klog.L().Fatal().Err(err).Msg("fsck: opening image failed")
	}
	defer disk.Close()
	fs, e := fsys.Mount(disk)
	if e != 0 {
		klog.L().Fatal().Stringer("err", e).Msg("fsck: mount failed")
	}

	used := make(map[defs.SectorID]bool)
	// The free-map file's own inode at sector 0 covers the bitmap run;
	// the root walk covers everything else.
	for _, s := range inode.IndexSectors(fs.Cache, defs.FreeMapSector, nil) {
		used[s] = true
	}
	walk(fs, defs.RootDirSector, used)

	bad := 0
	for s := uint32(0); s < disk.NumSectors(); s++ {
		marked := fs.FreeMap.Test(defs.SectorID(s))
		reachable := used[defs.SectorID(s)]
		if marked != reachable {
			bad++
			klog.L().Error().Uint32("sector", s).Bool("marked", marked).
				Bool("reachable", reachable).Msg("fsck: free-map mismatch")
		}
	}

	if bad > 0 {
		klog.L().Error().Int("mismatches", bad).Msg("fsck: image is inconsistent")
		os.Exit(1)
	}
	klog.L().Info().Int("in_use", fs.FreeMap.InUse()).Msg("fsck: image is consistent")
}
