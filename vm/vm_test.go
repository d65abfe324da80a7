package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/defs"
	"kcore/diskdev"
	"kcore/mem"
)

// byteFile is an in-memory BackingFile standing in for an fsys.File.
type byteFile struct {
	data []byte
}

func (b *byteFile) ReadAt(buf []byte, off int) (int, defs.Err_t) {
	if off >= len(b.data) {
		return 0, 0
	}
	return copy(buf, b.data[off:]), 0
}

func (b *byteFile) WriteAt(buf []byte, off int) (int, defs.Err_t) {
	if need := off + len(buf); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:], buf), 0
}

func setup(t *testing.T, frames int) (*VM, *AddrSpace) {
	t.Helper()
	v := New(mem.NewPool(frames), diskdev.NewMemDisk(256))
	return v, NewAddrSpace(v)
}

const ubase uintptr = 0x10000000

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestSwapRoundTrip(t *testing.T) {
	s := NewSwap(diskdev.NewMemDisk(64))
	require.Equal(t, 8, s.Slots())

	page := pattern(defs.PageSize, 7)
	slot := s.Write(page)
	require.Equal(t, 1, s.InUse())

	got := make([]byte, defs.PageSize)
	require.True(t, s.Read(slot, got))
	require.Equal(t, page, got)
	// Read frees the slot.
	require.Equal(t, 0, s.InUse())
	require.False(t, s.Read(slot, got))
}

func TestFaultLoadExec(t *testing.T) {
	_, as := setup(t, 4)
	f := &byteFile{data: pattern(3*defs.PageSize, 3)}

	// A full page, and a partial page whose tail must read as zeros.
	require.Zero(t, as.AddExec(ubase, f, 0, defs.PageSize, false))
	require.Zero(t, as.AddExec(ubase+defs.PageSize, f, defs.PageSize, 100, true))

	got := make([]byte, defs.PageSize)
	require.Zero(t, as.CopyIn(got, ubase))
	require.Equal(t, f.data[:defs.PageSize], got)

	require.Zero(t, as.CopyIn(got, ubase+defs.PageSize))
	require.Equal(t, f.data[defs.PageSize:defs.PageSize+100], got[:100])
	require.Equal(t, make([]byte, defs.PageSize-100), got[100:])
}

func TestCopyOutReadOnlyFails(t *testing.T) {
	_, as := setup(t, 4)
	f := &byteFile{data: pattern(defs.PageSize, 1)}
	require.Zero(t, as.AddExec(ubase, f, 0, defs.PageSize, false))
	require.Equal(t, defs.EFAULT, as.CopyOut(ubase, []byte{1}))
}

func TestStackGrowthBounds(t *testing.T) {
	_, as := setup(t, 8)
	esp := PhysBase - 64

	// 31 bytes below esp grows the stack.
	require.Zero(t, as.Pagefault(esp-31, esp, true, false))
	require.True(t, as.Present(esp-31-(esp-31)%defs.PageSize))

	// 33 bytes below does not.
	esp2 := PhysBase - 2*defs.PageSize
	require.Equal(t, defs.EFAULT, as.Pagefault(esp2-33, esp2, true, false))

	// Below the 1 MiB bound does not, even right at the stack pointer.
	low := StackLimit - 1
	require.Equal(t, defs.EFAULT, as.Pagefault(low, low, true, false))

	// Kernel addresses from user mode terminate.
	require.Equal(t, defs.EFAULT, as.Pagefault(PhysBase+8, esp, true, false))
}

func TestEvictionRoundTrip(t *testing.T) {
	_, as := setup(t, 2)

	// Three anonymous pages through a two-frame pool: someone must be
	// evicted to swap and restored on the next access.
	pages := []uintptr{ubase, ubase + defs.PageSize, ubase + 2*defs.PageSize}
	for i, up := range pages {
		require.Zero(t, as.AddStack(up))
		require.Zero(t, as.CopyOut(up, pattern(defs.PageSize, byte(i+1))))
	}

	for i, up := range pages {
		got := make([]byte, defs.PageSize)
		require.Zero(t, as.CopyIn(got, up))
		require.Equal(t, pattern(defs.PageSize, byte(i+1)), got, "page %d", i)
	}
}

func TestEvictionSpillPolicy(t *testing.T) {
	v, as := setup(t, 1)
	f := &byteFile{data: pattern(defs.PageSize, 9)}

	// Clean exec page: evicted by dropping, never via swap.
	require.Zero(t, as.AddExec(ubase, f, 0, defs.PageSize, false))
	got := make([]byte, 8)
	require.Zero(t, as.CopyIn(got, ubase))
	require.Zero(t, as.AddStack(ubase+defs.PageSize)) // forces the eviction
	require.Equal(t, 0, v.Swap.InUse())
	require.False(t, as.Present(ubase))

	// The dirtied stack page goes to swap when the exec page returns.
	require.Zero(t, as.CopyOut(ubase+defs.PageSize, []byte{42}))
	require.Zero(t, as.CopyIn(got, ubase))
	require.Equal(t, f.data[:8], got)
	require.Equal(t, 1, v.Swap.InUse())
}

func TestPinSafety(t *testing.T) {
	_, as := setup(t, 2)
	require.Zero(t, as.AddStack(ubase))
	require.Zero(t, as.CopyOut(ubase, pattern(defs.PageSize, 5)))
	require.Zero(t, as.PinRange(ubase, defs.PageSize))

	// Two more pages churn through the single remaining frame; the
	// pinned page must never be selected by the clock.
	require.Zero(t, as.AddStack(ubase+defs.PageSize))
	require.Zero(t, as.AddStack(ubase+2*defs.PageSize))
	require.True(t, as.Present(ubase))

	as.UnpinRange(ubase, defs.PageSize)
	got := make([]byte, defs.PageSize)
	require.Zero(t, as.CopyIn(got, ubase))
	require.Equal(t, pattern(defs.PageSize, 5), got)
}

func TestMmapDirtyWriteback(t *testing.T) {
	_, as := setup(t, 4)
	f := &byteFile{data: pattern(defs.PageSize+100, 11)}

	id, err := as.Mmap(-1, ubase, f, 2, 100)
	require.Zero(t, err)

	// Dirty a byte in each page, then unmap: the file must hold exactly
	// those bytes at the right offsets.
	require.Zero(t, as.CopyOut(ubase+10, []byte{0xAA}))
	require.Zero(t, as.CopyOut(ubase+defs.PageSize+20, []byte{0xBB}))
	require.Zero(t, as.Munmap(id))

	want := pattern(defs.PageSize+100, 11)
	want[10] = 0xAA
	want[defs.PageSize+20] = 0xBB
	require.Equal(t, want, f.data)
}

func TestMmapCleanDropsSilently(t *testing.T) {
	_, as := setup(t, 4)
	orig := pattern(defs.PageSize, 13)
	f := &byteFile{data: bytes.Clone(orig)}

	id, err := as.Mmap(-1, ubase, f, 1, defs.PageSize)
	require.Zero(t, err)
	got := make([]byte, defs.PageSize)
	require.Zero(t, as.CopyIn(got, ubase))
	require.Zero(t, as.Munmap(id))
	require.Equal(t, orig, f.data)
}

func TestMmapOverlapRollsBack(t *testing.T) {
	_, as := setup(t, 4)
	f := &byteFile{data: pattern(defs.PageSize, 1)}

	require.Zero(t, as.AddExec(ubase+defs.PageSize, f, 0, defs.PageSize, false))

	// Page 1 of the region collides with the exec page; page 0's SPTE
	// must be rolled back.
	_, err := as.Mmap(-1, ubase, f, 2, defs.PageSize)
	require.Equal(t, defs.EINVAL, err)
	require.Equal(t, defs.EFAULT, as.CopyIn(make([]byte, 1), ubase))
}

func TestDestroyReleasesEverything(t *testing.T) {
	v, as := setup(t, 1)
	f := &byteFile{data: pattern(2*defs.PageSize, 17)}

	_, err := as.Mmap(-1, ubase, f, 2, defs.PageSize)
	require.Zero(t, err)
	require.Zero(t, as.AddStack(ubase+4*defs.PageSize))
	require.Zero(t, as.CopyOut(ubase+4*defs.PageSize, []byte{1}))
	// The second stack page pushes the dirtied first one to swap.
	require.Zero(t, as.AddStack(ubase+5*defs.PageSize))

	as.Destroy()
	require.Equal(t, v.Pool.Len(), v.Pool.Avail())
	require.Equal(t, 0, v.Swap.InUse())
}
