package bc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kcore/defs"
	"kcore/diskdev"
)

func setup(t *testing.T, n int) (*Cache, diskdev.Device) {
	t.Helper()
	d := diskdev.NewMemDisk(uint32(n))
	return New(d), d
}

func TestSectorCoherency(t *testing.T) {
	c, d := setup(t, 8)
	h := c.Get(3, EXCL)
	copy(h.Bytes(), []byte("hello world"))
	c.Release(h, true)
	c.Flush(false)

	var buf [defs.SectorSize]byte
	d.ReadSector(3, buf[:])
	require.Equal(t, []byte("hello world"), buf[:11])

	h2 := c.Get(3, SHARE)
	require.Equal(t, []byte("hello world"), h2.Bytes()[:11])
	c.Release(h2, false)
}

func TestAtMostOneWriter(t *testing.T) {
	c, _ := setup(t, 4)
	var active int32
	var wg sync.WaitGroup
	fail := make(chan struct{}, 1)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := c.Get(1, EXCL)
			if atomic.AddInt32(&active, 1) != 1 {
				select {
				case fail <- struct{}{}:
				default:
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			c.Release(h, false)
		}()
	}
	wg.Wait()
	select {
	case <-fail:
		t.Fatal("more than one EXCL holder observed concurrently")
	default:
	}
}

func TestWriterDoesNotStarve(t *testing.T) {
	c, _ := setup(t, 4)
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h := c.Get(2, SHARE)
				time.Sleep(time.Microsecond)
				c.Release(h, false)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		h := c.Get(2, EXCL)
		c.Release(h, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer starved")
	}
	close(stop)
	readers.Wait()
}

type countingDisk struct {
	diskdev.Device
	reads int32
}

func (c *countingDisk) ReadSector(id defs.SectorID, buf []byte) {
	atomic.AddInt32(&c.reads, 1)
	c.Device.ReadSector(id, buf)
}

func TestNoDuplicateLoads(t *testing.T) {
	d := &countingDisk{Device: diskdev.NewMemDisk(4)}
	c := New(d)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h := c.Get(1, SHARE)
			c.Release(h, false)
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&d.reads))
}

func TestFlushFinalFreesCache(t *testing.T) {
	c, _ := setup(t, 4)
	h := c.Get(0, EXCL)
	c.Release(h, true)
	c.Flush(true)
	// after a final flush every entry is free again, so a fresh Get must
	// not find sector 0 already resident via the lookup path (it will
	// simply be re-read, which is fine — the point is no crash/deadlock).
	h2 := c.Get(0, SHARE)
	c.Release(h2, false)
}

func TestReadAheadResolverInvoked(t *testing.T) {
	c, _ := setup(t, 4)
	resolved := make(chan defs.SectorID, 1)
	c.SetReadAheadResolver(resolverFunc(func(inode defs.SectorID, off int) (defs.SectorID, bool) {
		resolved <- 2
		return 2, true
	}))
	c.StartBackgroundTasks()
	defer c.Stop()

	c.QueueReadAhead(1, 0)
	select {
	case s := <-resolved:
		require.EqualValues(t, 2, s)
	case <-time.After(2 * time.Second):
		t.Fatal("read-ahead worker never resolved the request")
	}
}

type resolverFunc func(defs.SectorID, int) (defs.SectorID, bool)

func (f resolverFunc) Resolve(inode defs.SectorID, off int) (defs.SectorID, bool) {
	return f(inode, off)
}

func TestReadersWaitOutActiveWriter(t *testing.T) {
	c, _ := setup(t, 4)
	h := c.Get(3, EXCL)

	got := make(chan struct{})
	go func() {
		hr := c.Get(3, SHARE)
		c.Release(hr, false)
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("reader acquired SHARE while EXCL was held")
	case <-time.After(50 * time.Millisecond):
	}
	c.Release(h, false)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke after EXCL release")
	}
}

func TestPeriodicWriteback(t *testing.T) {
	c, d := setup(t, 4)
	c.SetWritebackInterval(10 * time.Millisecond)
	c.StartBackgroundTasks()
	defer c.Stop()

	h := c.Get(2, EXCL)
	copy(h.Bytes(), []byte("dirty"))
	c.Release(h, true)

	deadline := time.Now().Add(2 * time.Second)
	var buf [defs.SectorSize]byte
	for time.Now().Before(deadline) {
		d.ReadSector(2, buf[:])
		if string(buf[:5]) == "dirty" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background write-back never flushed the dirty entry")
}
