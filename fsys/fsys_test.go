package fsys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/defs"
	"kcore/diskdev"
	"kcore/inode"
	"kcore/mem"
	"kcore/vm"
)

func newFS(t *testing.T, nsectors uint32) (*Fsys, *Proc) {
	t.Helper()
	disk := diskdev.NewMemDisk(nsectors)
	fs := Format(disk)
	p, err := fs.NewProc()
	require.Zero(t, err)
	return fs, p
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestCreateWriteReopenRead(t *testing.T) {
	fs, p := newFS(t, 4096)

	require.Zero(t, p.Create("/foo", 600))
	f, err := p.Open("/foo")
	require.Zero(t, err)
	require.Equal(t, 600, f.Filesize())

	// Freshly created files are fully sparse and read as zeros.
	zeros := make([]byte, 600)
	got := make([]byte, 600)
	n, err := f.Read(got)
	require.Zero(t, err)
	require.Equal(t, 600, n)
	require.Equal(t, zeros, got)

	data := pattern(600, 1)
	require.Zero(t, f.Seek(0))
	n, err = f.Write(data)
	require.Zero(t, err)
	require.Equal(t, 600, n)
	f.Close()

	f2, err := p.Open("/foo")
	require.Zero(t, err)
	n, err = f2.Read(got)
	require.Zero(t, err)
	require.Equal(t, 600, n)
	require.Equal(t, data, got)
	require.True(t, !f2.Isdir())
	f2.Close()

	fs.Done()
}

func TestBigFileIndexShape(t *testing.T) {
	_, p := newFS(t, 8192)

	require.Zero(t, p.Create("/big", 0))
	f, err := p.Open("/big")
	require.Zero(t, err)

	const size = 1 << 20
	data := pattern(size, 3)
	n, werr := f.Write(data)
	require.Zero(t, werr)
	require.Equal(t, size, n)
	require.Equal(t, size, f.Filesize())

	// 1 MiB is 2048 blocks: 122 direct, 128 through the single-indirect
	// block, and the remaining 1798 through 15 second-level blocks under
	// the doubly-indirect pointer.
	d, ok := inode.ReadDisk(p.fs.Cache, f.Inumber())
	require.True(t, ok)
	require.NotZero(t, d.Blocks[inode.SingleIndirectSlot])
	require.NotZero(t, d.Blocks[inode.DoubleIndirectSlot])

	sectors := inode.IndexSectors(p.fs.Cache, f.Inumber(), nil)
	// inode + 2048 data + single-indirect + double-indirect + 15 leaves.
	require.Len(t, sectors, 1+2048+1+1+15)

	got := make([]byte, size)
	n, rerr := f.ReadAt(got, 0)
	require.Zero(t, rerr)
	require.Equal(t, size, n)
	require.Equal(t, data, got)
	f.Close()
}

func ls(t *testing.T, p *Proc, path string) []string {
	t.Helper()
	d, err := p.Open(path)
	require.Zero(t, err)
	defer d.Close()
	require.True(t, d.Isdir())
	var names []string
	for {
		name, ok := d.Readdir()
		if !ok {
			return names
		}
		names = append(names, name)
	}
}

func TestDirectoryTreeAndChdir(t *testing.T) {
	_, p := newFS(t, 4096)

	require.Zero(t, p.Mkdir("/a"))
	require.Zero(t, p.Mkdir("/a/b"))
	require.Zero(t, p.Chdir("/a"))
	require.Zero(t, p.Mkdir("c"))

	require.Equal(t, []string{"a"}, ls(t, p, "/"))
	require.ElementsMatch(t, []string{"b", "c"}, ls(t, p, "/a"))

	// Relative resolution follows the cwd; '..' is a plain entry.
	require.ElementsMatch(t, []string{"b", "c"}, ls(t, p, "."))
	require.Equal(t, []string{"a"}, ls(t, p, ".."))
}

func TestPathRules(t *testing.T) {
	_, p := newFS(t, 4096)
	require.Zero(t, p.Mkdir("/d"))
	require.Zero(t, p.Create("/d/f", 10))

	// Trailing slash is allowed only for the root.
	_, err := p.Open("/")
	require.Zero(t, err)
	_, err = p.Open("/d/")
	require.Equal(t, defs.EINVAL, err)

	// Intermediate components must be directories.
	_, err = p.Open("/d/f/x")
	require.Equal(t, defs.ENOTDIR, err)

	_, err = p.Open("/nope")
	require.Equal(t, defs.ENOENT, err)

	require.Equal(t, defs.EEXIST, p.Create("/d/f", 0))
	require.Equal(t, defs.EEXIST, p.Mkdir("/d"))
}

func TestRemovalPolicy(t *testing.T) {
	fs, p := newFS(t, 4096)

	require.Zero(t, p.Mkdir("/a"))
	require.Zero(t, p.Create("/a/f", 0))

	// Non-empty directories do not go away.
	require.Equal(t, defs.ENOTEMPTY, p.Remove("/a"))
	require.Zero(t, p.Remove("/a/f"))

	// A directory that is some process's cwd is busy.
	p2, err := fs.NewProc()
	require.Zero(t, err)
	require.Zero(t, p2.Chdir("/a"))
	require.Equal(t, defs.EBUSY, p.Remove("/a"))
	p2.Exit()
	require.Zero(t, p.Remove("/a"))
	_, oerr := p.Open("/a")
	require.Equal(t, defs.ENOENT, oerr)
}

func TestRemoveOpenFileLatches(t *testing.T) {
	_, p := newFS(t, 4096)
	require.Zero(t, p.Create("/f", 0))
	f, err := p.Open("/f")
	require.Zero(t, err)
	data := pattern(100, 5)
	_, werr := f.Write(data)
	require.Zero(t, werr)

	// Removal latches; the open handle keeps working until close.
	require.Zero(t, p.Remove("/f"))
	_, oerr := p.Open("/f")
	require.Equal(t, defs.ENOENT, oerr)
	got := make([]byte, 100)
	n, rerr := f.ReadAt(got, 0)
	require.Zero(t, rerr)
	require.Equal(t, 100, n)
	require.Equal(t, data, got)
	f.Close()
}

func TestConcurrentHalves(t *testing.T) {
	fs, p := newFS(t, 4096)
	const size = 100 * 1024

	require.Zero(t, p.Create("/half", 0))
	f, err := p.Open("/half")
	require.Zero(t, err)

	data := pattern(size, 9)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(half int) {
			defer wg.Done()
			off := half * size / 2
			n, werr := f.WriteAt(data[off:off+size/2], off)
			if werr != 0 || n != size/2 {
				t.Errorf("half %d: n=%d err=%v", half, n, werr)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, size, f.Filesize())
	fs.Cache.Flush(false)

	got := make([]byte, size)
	n, rerr := f.ReadAt(got, 0)
	require.Zero(t, rerr)
	require.Equal(t, size, n)
	require.Equal(t, data, got)
	f.Close()
}

func TestMmapThroughPaging(t *testing.T) {
	_, p := newFS(t, 4096)
	require.Zero(t, p.Create("/m", 0))
	f, err := p.Open("/m")
	require.Zero(t, err)
	orig := pattern(defs.PageSize, 21)
	_, werr := f.Write(orig)
	require.Zero(t, werr)

	v := vm.New(mem.NewPool(4), diskdev.NewMemDisk(64))
	as := vm.NewAddrSpace(v)
	const base uintptr = 0x20000000
	id, merr := as.Mmap(-1, base, f, 1, defs.PageSize)
	require.Zero(t, merr)

	// Write a byte through the mapping, unmap, read the file back.
	require.Zero(t, as.CopyOut(base+10, []byte{0x5A}))
	require.Zero(t, as.Munmap(id))

	got := make([]byte, defs.PageSize)
	n, rerr := f.ReadAt(got, 0)
	require.Zero(t, rerr)
	require.Equal(t, defs.PageSize, n)
	want := pattern(defs.PageSize, 21)
	want[10] = 0x5A
	require.Equal(t, want, got)
	f.Close()
}

func TestManyFilesSurviveCacheEviction(t *testing.T) {
	fs, p := newFS(t, 16384)

	// 100 files, two blocks each: far more than the cache's 64 entries,
	// so the clock evicts continuously.
	names := make([]string, 100)
	for i := range names {
		names[i] = "/t" + string(rune('a'+i/10)) + string(rune('a'+i%10))
		require.Zero(t, p.Create(names[i], 0))
		f, err := p.Open(names[i])
		require.Zero(t, err)
		_, werr := f.Write(pattern(1024, byte(i)))
		require.Zero(t, werr)
		f.Close()
	}
	for i, name := range names {
		f, err := p.Open(name)
		require.Zero(t, err)
		got := make([]byte, 1024)
		n, rerr := f.Read(got)
		require.Zero(t, rerr)
		require.Equal(t, 1024, n)
		require.Equal(t, pattern(1024, byte(i)), got, "file %s", name)
		f.Close()
	}
	fs.Done()
}

func TestMountSeesPersistedState(t *testing.T) {
	disk := diskdev.NewMemDisk(4096)
	fs := Format(disk)
	p, err := fs.NewProc()
	require.Zero(t, err)
	require.Zero(t, p.Mkdir("/sub"))
	require.Zero(t, p.Create("/sub/f", 0))
	f, oerr := p.Open("/sub/f")
	require.Zero(t, oerr)
	data := pattern(700, 31)
	_, werr := f.Write(data)
	require.Zero(t, werr)
	f.Close()
	p.Exit()
	fs.Done()

	fs2, merr := Mount(disk)
	require.Zero(t, merr)
	p2, err := fs2.NewProc()
	require.Zero(t, err)
	f2, oerr := p2.Open("/sub/f")
	require.Zero(t, oerr)
	got := make([]byte, 700)
	n, rerr := f2.Read(got)
	require.Zero(t, rerr)
	require.Equal(t, 700, n)
	require.Equal(t, data, got)
	f2.Close()

	// The reloaded free map still backs allocation.
	require.Zero(t, p2.Create("/sub/g", 100))
	p2.Exit()
}

func TestDenyWriteThroughHandle(t *testing.T) {
	_, p := newFS(t, 4096)
	require.Zero(t, p.Create("/bin", 0))
	f, err := p.Open("/bin")
	require.Zero(t, err)

	f.DenyWrite()
	n, werr := f.Write([]byte("nope"))
	require.Zero(t, werr)
	require.Zero(t, n)

	f.AllowWrite()
	n, werr = f.Write([]byte("yes"))
	require.Zero(t, werr)
	require.Equal(t, 3, n)
	f.Close()
}

func TestSeekTellAndSparseHole(t *testing.T) {
	_, p := newFS(t, 4096)
	require.Zero(t, p.Create("/s", 0))
	f, err := p.Open("/s")
	require.Zero(t, err)

	// Write beyond EOF: the gap is a hole reading as zeros.
	require.Zero(t, f.Seek(3*defs.SectorSize))
	require.Equal(t, 3*defs.SectorSize, f.Tell())
	_, werr := f.Write([]byte{7})
	require.Zero(t, werr)
	require.Equal(t, 3*defs.SectorSize+1, f.Filesize())

	got := make([]byte, 3*defs.SectorSize+1)
	n, rerr := f.ReadAt(got, 0)
	require.Zero(t, rerr)
	require.Equal(t, len(got), n)
	for i := 0; i < 3*defs.SectorSize; i++ {
		require.Zero(t, got[i])
	}
	require.EqualValues(t, 7, got[3*defs.SectorSize])
	f.Close()
}
