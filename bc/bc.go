// Package bc is the buffer cache: a fixed-size, associative
// write-back cache of fixed-size disk sectors, with clock eviction,
// reader/writer access modes, a background write-back task, and an
// optional read-ahead task. Every higher layer (freemap, inode, dirent)
// goes through it; nothing above bc talks to diskdev directly.
package bc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kcore/defs"
	"kcore/diskdev"
	"kcore/klog"
)

// NumEntries is the fixed cache size.
const NumEntries = 64

// Debug gates verbose hot-path tracing; off by default, cheap when off.
var Debug = false

// Mode selects the access discipline Get uses.
type Mode int

const (
	// EXCL grants exclusive access; the caller must Release it.
	EXCL Mode = iota
	// SHARE grants shared (reader) access; the caller must Release it.
	SHARE
	// RAHEAD only brings the sector into cache; no ref is taken and the
	// caller must not Release it.
	RAHEAD
)

// entry is one cache slot.
type entry struct {
	mu sync.Mutex // protects every field below, plus condvar predicates

	sector    defs.SectorID
	data      [defs.SectorSize]byte
	allocated bool
	accessed  bool
	dirty     bool

	sharedRefs    int
	sharedWaiters int
	exclWaiters   int
	exclHeld      bool

	exclDone *sync.Cond // signaled/broadcast when an EXCL holder releases
	noRefs   *sync.Cond // signaled when sharedRefs drops to 0
}

func newEntry() *entry {
	e := &entry{}
	e.exclDone = sync.NewCond(&e.mu)
	e.noRefs = sync.NewCond(&e.mu)
	return e
}

// Handle is a live reference to a cached sector, returned by Get for EXCL
// and SHARE modes.
type Handle struct {
	e    *entry
	mode Mode
	miss bool
}

// Sector returns the sector this handle refers to.
func (h *Handle) Sector() defs.SectorID { return h.e.sector }

// Missed reports whether this Get brought the sector in from disk
// rather than finding it cached; callers use it to queue a read-ahead
// hint only on a miss.
func (h *Handle) Missed() bool { return h.miss }

// Bytes returns the entry's payload buffer. For SHARE handles, callers
// must not mutate it unless they intend to call Release(dirty=true) — the
// synchronization only protects concurrent cache bookkeeping, not the
// buffer contents.
func (h *Handle) Bytes() []byte {
	return h.e.data[:]
}

// ReadAheadResolver lets the read-ahead worker turn a queued
// (inode sector, offset) pair into a concrete sector id without bc
// importing the inode package (which itself imports bc). The inode
// package registers itself via Cache.SetReadAheadResolver.
type ReadAheadResolver interface {
	// Resolve returns the data sector backing offset within the file
	// whose inode lives at inodeSector, and false if it is a hole.
	Resolve(inodeSector defs.SectorID, offset int) (defs.SectorID, bool)
}

type readAheadReq struct {
	inodeSector defs.SectorID
	offset      int
	trace       uuid.UUID // correlates the fetch to the miss that queued it
}

// Cache is the buffer cache proper.
type Cache struct {
	disk diskdev.Device

	insertMu sync.Mutex // the single global load-insert lock
	entries  [NumEntries]*entry
	hand     int // clock hand

	resolver   ReadAheadResolver
	raMu       sync.Mutex
	raCond     *sync.Cond
	raQueue    []readAheadReq
	raStarted  bool

	wbInterval time.Duration
	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc
}

// New builds an empty cache fronting disk. Background tasks are not
// started until StartBackgroundTasks is called.
func New(disk diskdev.Device) *Cache {
	c := &Cache{disk: disk, wbInterval: 30 * time.Second}
	for i := range c.entries {
		c.entries[i] = newEntry()
	}
	c.raCond = sync.NewCond(&c.raMu)
	ctx, cancel := context.WithCancel(context.Background())
	c.groupCtx, c.cancel = ctx, cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.groupCtx = gctx
	return c
}

// SetWritebackInterval overrides the default 30s write-back period;
// exposed for tests that want a fast background flush.
func (c *Cache) SetWritebackInterval(d time.Duration) {
	c.wbInterval = d
}

// SetReadAheadResolver wires the inode layer in for the read-ahead worker.
func (c *Cache) SetReadAheadResolver(r ReadAheadResolver) {
	c.resolver = r
}

// StartBackgroundTasks launches the write-back ticker and, if a resolver
// has been set, the read-ahead worker. Both are tracked through the same
// errgroup.Group, so Stop can wait for both to exit. Neither task returns
// an error, and a panic in either is not recovered.
func (c *Cache) StartBackgroundTasks() {
	c.group.Go(func() error {
		c.writebackLoop(c.groupCtx)
		return nil
	})
	if c.resolver != nil {
		c.raMu.Lock()
		c.raStarted = true
		c.raMu.Unlock()
		c.group.Go(func() error {
			c.readaheadLoop(c.groupCtx)
			return nil
		})
	}
}

// Stop cancels the background tasks and waits for them to exit.
func (c *Cache) Stop() error {
	c.cancel()
	c.raMu.Lock()
	c.raCond.Broadcast()
	c.raMu.Unlock()
	return c.group.Wait()
}

func (c *Cache) writebackLoop(ctx context.Context) {
	t := time.NewTicker(c.wbInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Flush(false)
			klog.L().Debug().Msg("bc: periodic write-back complete")
		}
	}
}

// QueueReadAhead enqueues one (inode, offset) request; called by a caller
// that just brought a block in on a miss. The enqueue itself never
// fails here (plain append); a kernel whose allocation could fail late
// would drop the hint silently instead.
func (c *Cache) QueueReadAhead(inodeSector defs.SectorID, offset int) {
	c.raMu.Lock()
	defer c.raMu.Unlock()
	if !c.raStarted {
		return
	}
	c.raQueue = append(c.raQueue, readAheadReq{inodeSector, offset, uuid.New()})
	c.raCond.Signal()
}

func (c *Cache) readaheadLoop(ctx context.Context) {
	for {
		c.raMu.Lock()
		for len(c.raQueue) == 0 && ctx.Err() == nil {
			c.raCond.Wait()
		}
		if ctx.Err() != nil {
			c.raMu.Unlock()
			return
		}
		req := c.raQueue[0]
		c.raQueue = c.raQueue[1:]
		c.raMu.Unlock()

		sector, ok := c.resolver.Resolve(req.inodeSector, req.offset)
		if !ok {
			continue // hole: nothing to prefetch
		}
		c.Get(sector, RAHEAD)
		if Debug {
			klog.L().Debug().Str("trace", req.trace.String()).
				Uint32("sector", uint32(sector)).Msg("bc: read-ahead fetch")
		}
	}
}

// lookup scans allocated entries for sector, returning a match with its
// lock HELD so eviction cannot repurpose it before the caller applies
// its access mode. Caller must not hold any entry lock.
func (c *Cache) lookup(sector defs.SectorID) *entry {
	for _, e := range c.entries {
		e.mu.Lock()
		if e.allocated && e.sector == sector {
			return e
		}
		e.mu.Unlock()
	}
	return nil
}

func (c *Cache) allocFree() *entry {
	for _, e := range c.entries {
		e.mu.Lock()
		if !e.allocated {
			return e // returned still locked
		}
		e.mu.Unlock()
	}
	return nil
}

// evictOne runs the two-pass clock sweep and
// returns a locked, freshly-repurposed entry, or nil if two full passes
// found no victim (the outer caller panics on nil — the cache is small and
// pinning is bounded, so in practice this never happens).
func (c *Cache) evictOne() *entry {
	n := len(c.entries)
	for pass := 0; pass < 2*n; pass++ {
		idx := c.hand
		c.hand = (c.hand + 1) % n
		e := c.entries[idx]
		if !e.mu.TryLock() {
			continue
		}
		if !e.allocated {
			return e
		}
		if e.sharedRefs > 0 || e.exclHeld || e.sharedWaiters > 0 || e.exclWaiters > 0 {
			e.mu.Unlock()
			continue
		}
		if e.accessed {
			e.accessed = false
			e.mu.Unlock()
			continue
		}
		if e.dirty {
			c.writeback(e)
		}
		e.allocated = false
		return e
	}
	return nil
}

// writeback writes a dirty entry's contents to disk. Caller holds e.mu.
func (c *Cache) writeback(e *entry) {
	c.disk.WriteSector(e.sector, e.data[:])
	e.dirty = false
	if Debug {
		klog.L().Debug().Uint32("sector", uint32(e.sector)).Msg("bc: write-back")
	}
}

// get returns a handle for sector under the given mode, loading it from
// disk on a miss. zero, when true, zero-fills a freshly inserted entry
// instead of reading the disk, for callers creating fresh content.
func (c *Cache) get(sector defs.SectorID, mode Mode, zero bool) *Handle {
	if e := c.lookup(sector); e != nil {
		c.applyModeLocked(e, mode)
		e.mu.Unlock()
		return &Handle{e: e, mode: mode}
	}

	// Miss: the insert lock is held across the acquire of the per-entry
	// lock so eviction cannot strike the entry in between.
	c.insertMu.Lock()
	if e := c.lookup(sector); e != nil {
		c.insertMu.Unlock()
		c.applyModeLocked(e, mode)
		e.mu.Unlock()
		return &Handle{e: e, mode: mode}
	}

	e := c.allocFree()
	if e == nil {
		e = c.evictOne()
		if e == nil {
			panic("bc: eviction failed twice in a row")
		}
	}
	// e is locked and not allocated. The disk read happens under the
	// entry lock: a concurrent Get for the same sector queues on it and
	// never observes a half-filled entry.
	e.sector = sector
	e.allocated = true
	e.accessed = false
	e.dirty = false
	e.sharedRefs, e.sharedWaiters, e.exclWaiters, e.exclHeld = 0, 0, 0, false
	if zero {
		e.data = [defs.SectorSize]byte{}
	} else {
		c.disk.ReadSector(sector, e.data[:])
	}
	// downgrade the entry lock to the requested mode
	c.applyModeLocked(e, mode)
	e.mu.Unlock()
	c.insertMu.Unlock()

	return &Handle{e: e, mode: mode, miss: true}
}

// Get acquires sector for reading (SHARE) or writing (EXCL).
func (c *Cache) Get(sector defs.SectorID, mode Mode) *Handle {
	return c.get(sector, mode, false)
}

// GetZeroed is Get, but when the sector is not already cached it is
// zero-filled instead of read from disk (the "caller is creating" path).
func (c *Cache) GetZeroed(sector defs.SectorID, mode Mode) *Handle {
	return c.get(sector, mode, true)
}

// applyModeLocked applies the mode's synchronization rule to an entry
// whose lock the caller holds.
func (c *Cache) applyModeLocked(e *entry, mode Mode) {
	switch mode {
	case SHARE:
		// Queue behind a waiting or active writer. Once woken by a
		// writer's release, only an active holder sends a reader back.
		if e.exclWaiters > 0 || e.exclHeld {
			e.sharedWaiters++
			e.exclDone.Wait()
			for e.exclHeld {
				e.exclDone.Wait()
			}
			e.sharedWaiters--
		}
		e.sharedRefs++
		e.accessed = true
	case EXCL:
		// Defer to queued readers, then wait for the refs to drain.
		if e.sharedRefs > 0 || e.sharedWaiters > 0 || e.exclHeld {
			e.exclWaiters++
			e.noRefs.Wait()
			for e.sharedRefs > 0 || e.exclHeld {
				e.noRefs.Wait()
			}
			e.exclWaiters--
		}
		e.exclHeld = true
		e.accessed = true
	case RAHEAD:
		// no ref change, no accessed update: a prefetched block should
		// not be considered recently used.
	}
}

// Release relinquishes h; if dirty, marks the entry dirty first.
func (c *Cache) Release(h *Handle, dirty bool) {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if dirty {
		e.dirty = true
	}
	switch h.mode {
	case SHARE:
		e.sharedRefs--
		if e.sharedRefs == 0 && e.exclWaiters > 0 {
			e.noRefs.Signal()
		}
	case EXCL:
		e.exclHeld = false
		if e.sharedWaiters > 0 {
			// Reader-priority-after-writer: wake the whole batch of
			// readers that queued up during the write, intentionally a
			// broadcast to avoid writer starvation while
			// not starving the readers either.
			e.exclDone.Broadcast()
		} else if e.exclWaiters > 0 {
			e.noRefs.Signal()
		}
	case RAHEAD:
		// nothing to release
	}
}

// Flush writes every dirty entry back to disk. If final, the cache is
// additionally freed (entries marked unallocated) — the clean-shutdown
// path, and the only flush point the system promises.
func (c *Cache) Flush(final bool) {
	for _, e := range c.entries {
		e.mu.Lock()
		if e.allocated && e.dirty {
			c.writeback(e)
		}
		if final {
			e.allocated = false
		}
		e.mu.Unlock()
	}
	c.disk.Sync()
}
