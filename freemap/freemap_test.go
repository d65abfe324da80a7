package freemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/bc"
	"kcore/defs"
	"kcore/diskdev"
)

func newCache(t *testing.T, sectors uint32) *bc.Cache {
	t.Helper()
	d := diskdev.NewMemDisk(sectors)
	return bc.New(d)
}

func TestFormatReservesSectors(t *testing.T) {
	c := newCache(t, 4096)
	m := Format(c, 4096)

	start, n := m.DataSectors()
	for s := uint32(start); s < uint32(start)+uint32(n); s++ {
		require.True(t, testBit(m.bits, s))
	}
	require.True(t, testBit(m.bits, uint32(defs.FreeMapSector)))
	require.True(t, testBit(m.bits, uint32(defs.RootDirSector)))
}

func TestAllocateAndRelease(t *testing.T) {
	c := newCache(t, 4096)
	m := Format(c, 4096)

	before := m.InUse()
	got, ok := m.Allocate(10)
	require.True(t, ok)
	require.Len(t, got, 10)
	require.Equal(t, before+10, m.InUse())

	for _, s := range got {
		m.Release(s)
	}
	require.Equal(t, before, m.InUse())
}

func TestAllocateRollsBackOnFailure(t *testing.T) {
	c := newCache(t, 32)
	m := Format(c, 32)

	before := m.InUse()
	free := 32 - before
	_, ok := m.Allocate(free + 1)
	require.False(t, ok)
	require.Equal(t, before, m.InUse(), "partial grab must be rolled back")
}

func TestReleaseUnsetPanics(t *testing.T) {
	c := newCache(t, 64)
	m := Format(c, 64)
	require.Panics(t, func() { m.Release(30) })
}

func TestPersistRoundTrip(t *testing.T) {
	c := newCache(t, 4096)
	m := Format(c, 4096)
	got, ok := m.Allocate(5)
	require.True(t, ok)
	m.Persist()

	m2 := Load(c, 4096)
	for _, s := range got {
		require.True(t, testBit(m2.bits, uint32(s)))
	}
}
