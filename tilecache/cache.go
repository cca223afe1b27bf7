/*
	Package tilecache keeps the tiles of a block source that the display wants,
	loading them on a bounded pool of workers.

	A single goroutine owns the queued, loading and resident maps and performs
	every state transition.  Callers talk to it through commands; workers send it
	their results.  The render loop reads an immutable snapshot published after
	every change, so GetDisplayedTiles, CanDisplay and PopObsoleteTiles never wait
	on I/O or on the owner goroutine.
*/
package tilecache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/chooser"
	"github.com/janelia-flyem/tilestream/dvid"
)

// DefaultWorkers is the number of concurrent block loads if not configured.
const DefaultWorkers = 2

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("tile cache is closed")

// Config holds the tile cache settings.
type Config struct {
	// Workers caps the number of concurrent block loads.
	Workers int `toml:"workers"`

	// RetainUntilObsolete displays every resident tile until the chooser marks
	// it obsolete.  By default only resident tiles that are still desired are
	// displayed.
	RetainUntilObsolete bool `toml:"retain_until_obsolete"`
}

// Stats are counters for monitoring the cache.
type Stats struct {
	Queued   int
	Loading  int
	Resident int
	Obsolete int // tiles in the outbox not yet popped

	ResidentBytes int64

	Loaded    uint64 // loads that became resident
	Failed    uint64 // loads that ended in an I/O or decode error
	Cancelled uint64 // jobs cancelled before or during their load
	Discarded uint64 // successful loads dropped because they were no longer wanted
}

// snapshot is the immutable state read by the render loop.
type snapshot struct {
	displayed     []*block.Tile
	canDisplay    bool
	queued        int
	loading       int
	resident      int
	residentBytes int64
}

// Cache is a tile cache for one block source.
type Cache struct {
	src     block.Source
	chooser chooser.BlockChooser
	cfg     Config

	ctx    context.Context // parent of every job context
	cancel context.CancelFunc

	cmds    chan command
	jobs    chan *job
	results chan result
	done    chan struct{}
	closing sync.Once
	wg      sync.WaitGroup

	snap atomic.Pointer[snapshot]

	obsoleteMu  sync.Mutex
	obsolete    []*block.Tile
	obsoleteIDs map[block.ID]struct{}

	subsMu  sync.Mutex
	subs    map[int]func()
	nextSub int
	notify  chan struct{}

	loaded    atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	discarded atomic.Uint64
}

// New starts a tile cache with its owner goroutine and worker pool.
func New(src block.Source, ch chooser.BlockChooser, cfg Config) *Cache {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		src:     src,
		chooser: ch,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan command),
		jobs:    make(chan *job),
		results: make(chan result),
		done:    make(chan struct{}),
		subs:    make(map[int]func()),
		notify:  make(chan struct{}, 1),

		obsoleteIDs: make(map[block.ID]struct{}),
	}
	c.snap.Store(&snapshot{})
	st := newState()
	c.wg.Add(cfg.Workers + 2)
	go c.run(st)
	go c.notifier()
	for i := 0; i < cfg.Workers; i++ {
		go c.worker()
	}
	dvid.Infof("Started tile cache for %s with %d workers\n", src, cfg.Workers)
	return c
}

// Close stops the workers, cancelling in-flight loads, and waits for them.
func (c *Cache) Close() {
	c.closing.Do(func() {
		c.cancel()
		close(c.done)
		c.wg.Wait()
		dvid.Infof("Closed tile cache for %s\n", c.src)
	})
}

// exec runs a command on the owner goroutine and waits for it to complete.
func (c *Cache) exec(apply func(st *state)) error {
	cmd := command{apply: apply, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	}
	<-cmd.done
	return nil
}

// UpdateDesiredTiles makes keys, nearest first, the desired set.  New keys are
// queued for loading in that order.  Queued or loading keys no longer desired
// are cancelled.  Resident tiles are left alone; they are evicted by the
// chooser after later loads.
func (c *Cache) UpdateDesiredTiles(keys []block.Key) error {
	return c.exec(func(st *state) {
		c.setDesired(st, keys)
	})
}

// AddDesiredTile adds one key to the desired set, queueing it if it isn't
// already queued, loading or resident.
func (c *Cache) AddDesiredTile(k block.Key) error {
	return c.exec(func(st *state) {
		c.addDesired(st, k)
	})
}

// SetFocus sets the point used to rank same-resolution tiles for eviction.
// Until it is set the centroid of the nearest desired key is used.
func (c *Cache) SetFocus(focus dvid.Vector3d) error {
	return c.exec(func(st *state) {
		st.focus = focus
		st.focusSet = true
	})
}

// ClearAllTiles cancels every queued and loading job, empties the desired set
// and moves all resident tiles to the obsolete outbox.
func (c *Cache) ClearAllTiles() error {
	return c.exec(func(st *state) {
		c.clearAll(st)
	})
}

// State returns the lifecycle state of a block.  A tile waiting in the obsolete
// outbox is Obsolete until it is popped.  Failed and Cancelled outcomes are
// forgotten, and the key reported Unqueued, once the desired set is updated
// without the key after the outcome.
func (c *Cache) State(id block.ID) block.State {
	s := block.Unqueued
	if err := c.exec(func(st *state) { s = st.stateOf(id) }); err != nil {
		return block.Unqueued
	}
	if s == block.Unqueued && c.inOutbox(id) {
		return block.Obsolete
	}
	return s
}

// GetDisplayedTiles returns the tiles to draw.  The tiles are borrowed: the
// renderer must not keep them past a PopObsoleteTiles that returns them.
func (c *Cache) GetDisplayedTiles() []*block.Tile {
	displayed := c.snap.Load().displayed
	tiles := make([]*block.Tile, len(displayed))
	copy(tiles, displayed)
	return tiles
}

// CanDisplay returns true if at least one desired tile is resident.
func (c *Cache) CanDisplay() bool {
	return c.snap.Load().canDisplay
}

// PopObsoleteTiles drains the obsolete outbox.  The caller should release any
// renderer resources attached to the tiles.
func (c *Cache) PopObsoleteTiles() []*block.Tile {
	c.obsoleteMu.Lock()
	defer c.obsoleteMu.Unlock()
	tiles := c.obsolete
	c.obsolete = nil
	c.obsoleteIDs = make(map[block.ID]struct{})
	return tiles
}

func (c *Cache) pushObsolete(tiles []*block.Tile) {
	if len(tiles) == 0 {
		return
	}
	c.obsoleteMu.Lock()
	c.obsolete = append(c.obsolete, tiles...)
	for _, tile := range tiles {
		c.obsoleteIDs[tile.Key.ID()] = struct{}{}
	}
	c.obsoleteMu.Unlock()
}

func (c *Cache) inOutbox(id block.ID) bool {
	c.obsoleteMu.Lock()
	defer c.obsoleteMu.Unlock()
	_, found := c.obsoleteIDs[id]
	return found
}

// Stats returns the current counters without waiting on loads.
func (c *Cache) Stats() Stats {
	snap := c.snap.Load()
	c.obsoleteMu.Lock()
	numObsolete := len(c.obsolete)
	c.obsoleteMu.Unlock()
	return Stats{
		Queued:        snap.queued,
		Loading:       snap.loading,
		Resident:      snap.resident,
		Obsolete:      numObsolete,
		ResidentBytes: snap.residentBytes,
		Loaded:        c.loaded.Load(),
		Failed:        c.failed.Load(),
		Cancelled:     c.cancelled.Load(),
		Discarded:     c.discarded.Load(),
	}
}

// Subscribe registers a function called after the displayed tiles change.
// Calls come from a single goroutine, never from the caller of a cache method.
// The returned function removes the subscription.
func (c *Cache) Subscribe(f func()) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = f
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// changed schedules a notification of subscribers, coalescing bursts.
func (c *Cache) changed() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Cache) notifier() {
	defer c.wg.Done()
	for {
		select {
		case <-c.notify:
			c.subsMu.Lock()
			fns := make([]func(), 0, len(c.subs))
			for _, f := range c.subs {
				fns = append(fns, f)
			}
			c.subsMu.Unlock()
			for _, f := range fns {
				f()
			}
		case <-c.done:
			return
		}
	}
}

// SortForDisplay orders tiles for back-to-front drawing: coarser resolutions
// first, then tiles farther from the eye first.
func SortForDisplay(tiles []*block.Tile, eye dvid.Vector3d) {
	sort.SliceStable(tiles, func(i, j int) bool {
		ri, rj := tiles[i].Key.Resolution(), tiles[j].Key.Resolution()
		if ri != rj {
			return ri < rj
		}
		return tiles[i].Key.Centroid().DistanceSquared(eye) > tiles[j].Key.Centroid().DistanceSquared(eye)
	})
}
