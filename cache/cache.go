// Package cache implements the sector-granularity write-back buffer
// cache in front of a block device, per spec.md §4.3: 64 fixed slots,
// clock eviction, a write-behind daemon and a read-ahead ring. This is
// the component every filesys operation goes through before it
// reaches the block device, the way every go-fuse operation goes
// through fs.Inode before it reaches the loopback filesystem's real
// syscalls.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rwan6/pintos/internal/blockdev"
	"github.com/rwan6/pintos/internal/kassert"
	"golang.org/x/sync/errgroup"
)

// Size is the fixed number of cache slots (spec.md §3).
const Size = 64

// SectorSize re-exports blockdev.SectorSize for callers that only
// import cache.
const SectorSize = blockdev.SectorSize

// RingSize is the read-ahead ring capacity (CACHE/4, spec.md §4.3).
const RingSize = Size / 4

// WriteBehindInterval is how often the flush daemon wakes.
const WriteBehindInterval = 2 * time.Second

// entry is one of the 64 fixed cache slots.
type entry struct {
	mu sync.Mutex

	sector     int64 // -1 if free
	nextSector int64 // -1 unless mid-eviction

	accessed bool
	dirty    bool
	data     [SectorSize]byte
}

func newEntry() *entry {
	return &entry{sector: -1, nextSector: -1}
}

// Cache is the 64-slot write-back buffer cache described in spec.md
// §4.3.
type Cache struct {
	dev *blockdev.Device

	// lookupMu serializes "which slot does sector S live in"
	// decisions; it is held only long enough to pick a slot and mark
	// it mid-eviction (next_sector), matching spec.md §4.3's
	// "lookup/eviction lock" that is released before I/O.
	lookupMu sync.Mutex
	entries  [Size]*entry
	clock    int // eviction clock hand

	ring *readAheadRing

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Cache in front of dev and starts its write-behind and
// read-ahead daemons. Call Close to stop them and flush.
func New(dev *blockdev.Device) *Cache {
	c := &Cache{
		dev:  dev,
		ring: newReadAheadRing(),
		stop: make(chan struct{}),
	}
	for i := range c.entries {
		c.entries[i] = newEntry()
	}
	c.wg.Add(2)
	go c.writeBehindLoop()
	go c.readAheadLoop()
	return c
}

// Close stops the background daemons after a final flush.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.ring.mu.Lock()
		c.ring.cond.Broadcast()
		c.ring.mu.Unlock()
	})
	c.wg.Wait()
	return c.Flush()
}

// acquire finds or creates the slot holding sector, confirming
// identity after taking the entry lock and restarting if the slot was
// repurposed mid-race, per spec.md §4.3.
func (c *Cache) acquire(sector uint32) *entry {
	for {
		e, isNew := c.findOrEvict(sector)
		e.mu.Lock()
		if e.sector == int64(sector) && e.nextSector == -1 {
			if isNew {
				if err := c.dev.Read(sector, e.data[:]); err != nil {
					panic(err)
				}
			}
			return e
		}
		// Lost the race: another goroutine repurposed this slot
		// before we got the lock, or our I/O hasn't landed yet.
		e.mu.Unlock()
	}
}

// findOrEvict performs the lookup/eviction decision under lookupMu:
// either it finds sector already resident, or it picks a clock victim
// and tags it next_sector = sector, releasing lookupMu before any I/O.
func (c *Cache) findOrEvict(sector uint32) (*entry, bool) {
	c.lookupMu.Lock()
	for _, e := range c.entries {
		if e.sector == int64(sector) {
			e.accessed = true
			c.lookupMu.Unlock()
			return e, false
		}
	}
	for _, e := range c.entries {
		if e.sector == -1 {
			e.sector = int64(sector)
			e.nextSector = -1
			e.accessed = true
			c.lookupMu.Unlock()
			return e, true
		}
	}

	victim := c.evictVictimLocked()
	victim.nextSector = int64(sector)
	c.lookupMu.Unlock()

	victim.mu.Lock()
	if victim.dirty {
		if err := c.dev.Write(uint32(victim.sector), victim.data[:]); err != nil {
			panic(err)
		}
		victim.dirty = false
	}
	victim.sector = int64(sector)
	victim.nextSector = -1
	victim.accessed = true
	victim.mu.Unlock()

	return victim, true
}

// evictVictimLocked runs the clock algorithm over the 64 entries,
// clearing accessed bits until it finds one already clear. Caller
// must hold lookupMu.
func (c *Cache) evictVictimLocked() *entry {
	for {
		e := c.entries[c.clock]
		c.clock = (c.clock + 1) % Size
		if e.accessed {
			e.accessed = false
			continue
		}
		return e
	}
}

// Read copies up to n bytes from sector at the given intra-sector
// offset into buf, per spec.md §4.3.
func (c *Cache) Read(sector uint32, buf []byte, n, offset int) int {
	kassert.True(offset >= 0 && offset <= SectorSize, "cache read offset %d out of range", offset)
	e := c.acquire(sector)
	defer e.mu.Unlock()
	avail := SectorSize - offset
	if n > avail {
		n = avail
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], e.data[offset:offset+n])
	c.ring.noteRead(sector)
	return n
}

// Write copies up to n bytes from buf into sector at the given
// intra-sector offset, marking the entry dirty.
func (c *Cache) Write(sector uint32, buf []byte, n, offset int) int {
	kassert.True(offset >= 0 && offset <= SectorSize, "cache write offset %d out of range", offset)
	e := c.acquire(sector)
	defer e.mu.Unlock()
	avail := SectorSize - offset
	if n > avail {
		n = avail
	}
	if n > len(buf) {
		n = len(buf)
	}
	copy(e.data[offset:offset+n], buf[:n])
	e.dirty = true
	return n
}

// ZeroSector clears an entire sector to zero in the cache (used when
// the file system allocates a new block, per spec.md §4.4).
func (c *Cache) ZeroSector(sector uint32) {
	e := c.acquire(sector)
	defer e.mu.Unlock()
	for i := range e.data {
		e.data[i] = 0
	}
	e.dirty = true
}

// Flush writes every dirty entry back to disk, acquiring each entry
// lock in turn and skipping clean entries without I/O, per spec.md
// §4.3's write-behind description. After Flush returns, no entry has
// dirty=true (spec.md §8 property 6).
func (c *Cache) Flush() error {
	for _, e := range c.entries {
		e.mu.Lock()
		if e.dirty && e.sector != -1 {
			if err := c.dev.Write(uint32(e.sector), e.data[:]); err != nil {
				e.mu.Unlock()
				return err
			}
			e.dirty = false
		}
		e.mu.Unlock()
	}
	return nil
}

func (c *Cache) writeBehindLoop() {
	defer c.wg.Done()
	t := time.NewTicker(WriteBehindInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			_ = c.Flush()
		}
	}
}

// readAheadRing is the bounded producer/consumer ring described in
// spec.md §4.3: file reads push "the sector after the one just
// returned"; a reader daemon drains it, bringing sectors into the
// cache. If the producer outpaces the ring, the consumer
// fast-forwards to the latest window.
type readAheadRing struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     [RingSize]uint32
	head    int
	tail    int
	count   int
	dropped bool
}

func newReadAheadRing() *readAheadRing {
	r := &readAheadRing{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *readAheadRing) noteRead(sector uint32) {
	r.push(sector + 1)
}

func (r *readAheadRing) push(sector uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == RingSize {
		// Producer outpaced the consumer: fast-forward by dropping
		// the oldest entry, per spec.md §4.3.
		r.head = (r.head + 1) % RingSize
		r.count--
		r.dropped = true
	}
	r.buf[r.tail] = sector
	r.tail = (r.tail + 1) % RingSize
	r.count++
	r.cond.Signal()
}

func (r *readAheadRing) pop(stop <-chan struct{}) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 {
		select {
		case <-stop:
			return 0, false
		default:
		}
		r.cond.Wait()
		select {
		case <-stop:
			return 0, false
		default:
		}
	}
	s := r.buf[r.head]
	r.head = (r.head + 1) % RingSize
	r.count--
	return s, true
}

func (c *Cache) readAheadLoop() {
	defer c.wg.Done()
	for {
		sector, ok := c.ring.pop(c.stop)
		if !ok {
			return
		}
		if sector >= c.dev.Sectors() {
			continue
		}
		c.prefetch(sector)
	}
}

// ReadAheadCaughtUp reports whether the read-ahead ring has ever had
// to drop an entry because the producer outpaced the consumer
// (spec.md §4.3's fast-forward case). Exposed for tests only.
func (c *Cache) ReadAheadCaughtUp() bool {
	c.ring.mu.Lock()
	defer c.ring.mu.Unlock()
	return c.ring.dropped
}

func (c *Cache) prefetch(sector uint32) {
	e, isNew := c.findOrEvict(sector)
	e.mu.Lock()
	defer e.mu.Unlock()
	if isNew && e.sector == int64(sector) && e.nextSector == -1 {
		if err := c.dev.Read(sector, e.data[:]); err != nil {
			panic(err)
		}
	}
}

// PrefetchAll brings every sector in [start,end) into cache
// concurrently, using an errgroup the way go-fuse's unionfs scan uses
// golang.org/x/sync/errgroup to fan out background directory scans.
// Used by bulk operations (e.g. warming the cache before a benchmark)
// rather than by the per-read-ahead path, which stays strictly
// sequential per spec.md §4.3.
func (c *Cache) PrefetchAll(ctx context.Context, start, end uint32) error {
	g, _ := errgroup.WithContext(ctx)
	for s := start; s < end; s++ {
		sector := s
		g.Go(func() error {
			c.prefetch(sector)
			return nil
		})
	}
	return g.Wait()
}
