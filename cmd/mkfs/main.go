// mkfs creates a filesystem image: a fresh free map, the root
// directory, and optionally a replica of a host skeleton directory
// tree, the usual way a boot image gets its /bin.
package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"kcore/diskdev"
	"kcore/fsys"
	"kcore/klog"
)

var (
	image   = pflag.String("image", "fs.img", "path of the disk image to create")
	sectors = pflag.Uint32("sectors", 16384, "image size in 512-byte sectors")
	skel    = pflag.String("skel", "", "host directory tree to replicate into the image")
)

// copydata copies the host file at src into a new file dst inside the
// image; it logs and gives up if dst cannot be created.
func copydata(src string, p *fsys.Proc, dst string) {
	srcFile, err := os.Open(src)
	if err != nil {
		panic(err)
	}
	defer srcFile.Close()

	if e := p.Create(dst, 0); e != 0 {
		klog.L().Error().Str("path", dst).Stringer("err", e).Msg("mkfs: create failed")
		return
	}
	f, e := p.Open(dst)
	if e != 0 {
		klog.L().Error().Str("path", dst).Stringer("err", e).Msg("mkfs: open failed")
		return
	}
	defer f.Close()

	buf := make([]byte, 8192)
	for {
		n, readErr := srcFile.Read(buf)
		if readErr != nil && readErr != io.EOF {
			panic(readErr)
		}
		if n == 0 {
			break
		}
		if _, e := f.Write(buf[:n]); e != 0 {
			klog.L().Error().Str("path", dst).Stringer("err", e).Msg("mkfs: write failed")
			return
		}
		if readErr == io.EOF {
			break
		}
	}
}

// addfiles walks skeldir on the host and replicates it into the image.
func addfiles(p *fsys.Proc, skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		rel = "/" + strings.TrimPrefix(rel, "/")

		if d.IsDir() {
			if e := p.Mkdir(rel); e != 0 {
				klog.L().Error().Str("path", rel).Stringer("err", e).Msg("mkfs: mkdir failed")
			}
			return nil
		}
		copydata(path, p, rel)
		return nil
	})
	if err != nil {
		panic(err)
	}
}

func main() {
	pflag.Parse()

	disk, err := diskdev.CreateFileDisk(*image, *sectors)
	if err != nil {
		klog.L().Fatal().Err(err).Msg("mkfs: creating image failed")
	}
	fs := fsys.Format(disk)

	if *skel != "" {
		p, e := fs.NewProc()
		if e != 0 {
			klog.L().Fatal().Stringer("err", e).Msg("mkfs: opening root failed")
		}
		addfiles(p, *skel)
		p.Exit()
	}

	fs.Done()
	disk.Close()
	klog.L().Info().Str("image", *image).Uint32("sectors", *sectors).Msg("mkfs: done")
}
