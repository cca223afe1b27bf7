package tilecache

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
)

type command struct {
	apply func(st *state)
	done  chan struct{}
}

// job is one load of a key.  Its context is cancelled when the key stops being
// desired.
type job struct {
	key       block.Key
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

type result struct {
	job *job
	vol *block.Volume
	err error
}

// state is only touched by the owner goroutine.  A key is in at most one of
// queued, loading and resident.
type state struct {
	desired      map[block.ID]block.Key
	desiredOrder []block.ID

	queued   map[block.ID]*job
	pending  []*job // queued jobs in load order, may hold cancelled jobs
	loading  map[block.ID]*job
	resident map[block.ID]*block.Tile

	// ended holds Failed and Cancelled outcomes for keys of the current or the
	// previous desired set.  Older outcomes are forgotten.
	ended map[block.ID]block.State

	focus    dvid.Vector3d
	focusSet bool
}

func newState() *state {
	return &state{
		desired:  make(map[block.ID]block.Key),
		queued:   make(map[block.ID]*job),
		loading:  make(map[block.ID]*job),
		resident: make(map[block.ID]*block.Tile),
		ended:    make(map[block.ID]block.State),
	}
}

func (st *state) stateOf(id block.ID) block.State {
	if _, found := st.queued[id]; found {
		return block.Queued
	}
	if _, found := st.loading[id]; found {
		return block.Loading
	}
	if _, found := st.resident[id]; found {
		return block.Resident
	}
	if s, found := st.ended[id]; found {
		return s
	}
	return block.Unqueued
}

func (st *state) isDesired(id block.ID) bool {
	_, found := st.desired[id]
	return found
}

// evictionFocus is the explicit focus or the centroid of the nearest desired key.
func (st *state) evictionFocus(fallback block.Key) dvid.Vector3d {
	if st.focusSet {
		return st.focus
	}
	if len(st.desiredOrder) > 0 {
		return st.desired[st.desiredOrder[0]].Centroid()
	}
	return fallback.Centroid()
}

// nextPending returns the first live queued job, dropping cancelled ones.
func (st *state) nextPending() *job {
	for len(st.pending) > 0 {
		j := st.pending[0]
		if !j.cancelled {
			return j
		}
		st.pending[0] = nil
		st.pending = st.pending[1:]
	}
	return nil
}

// run is the owner goroutine.  A job is offered to the workers only while one
// is idle, so at most cfg.Workers loads run at a time and the rest stay queued.
func (c *Cache) run(st *state) {
	defer c.wg.Done()
	for {
		var out chan *job
		next := st.nextPending()
		if next != nil {
			out = c.jobs
		}
		select {
		case cmd := <-c.cmds:
			cmd.apply(st)
			close(cmd.done)
		case res := <-c.results:
			c.finish(st, res)
		case out <- next:
			st.pending = st.pending[1:]
			id := next.key.ID()
			delete(st.queued, id)
			st.loading[id] = next
			c.publish(st)
		case <-c.done:
			for _, j := range st.queued {
				j.cancel()
			}
			for _, j := range st.loading {
				j.cancel()
			}
			return
		}
	}
}

func (c *Cache) worker() {
	defer c.wg.Done()
	for {
		select {
		case j := <-c.jobs:
			res := result{job: j}
			if j.ctx.Err() != nil {
				res.err = block.ErrCancelled
			} else {
				timedLog := dvid.NewTimeLog()
				res.vol, res.err = c.src.LoadBlock(j.ctx, j.key)
				if res.err == nil {
					timedLog.Debugf("Loaded %s, %s", j.key, humanize.Bytes(uint64(len(res.vol.Data))))
				}
			}
			select {
			case c.results <- res:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Cache) submit(st *state, k block.Key) {
	id := k.ID()
	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{key: k, ctx: ctx, cancel: cancel}
	st.queued[id] = j
	st.pending = append(st.pending, j)
	delete(st.ended, id)
}

func (c *Cache) cancelJob(st *state, j *job) {
	if j.cancelled {
		return
	}
	j.cancelled = true
	j.cancel()
	c.cancelled.Add(1)
	dvid.Debugf("Cancelled load of %s\n", j.key)
}

func (c *Cache) setDesired(st *state, keys []block.Key) {
	for id := range st.ended {
		if !st.isDesired(id) {
			delete(st.ended, id)
		}
	}
	st.desired = make(map[block.ID]block.Key, len(keys))
	st.desiredOrder = st.desiredOrder[:0]
	for _, k := range keys {
		id := k.ID()
		if _, found := st.desired[id]; found {
			continue
		}
		st.desired[id] = k
		st.desiredOrder = append(st.desiredOrder, id)
	}
	for id, j := range st.queued {
		if !st.isDesired(id) {
			c.cancelJob(st, j)
			delete(st.queued, id)
			st.ended[id] = block.Cancelled
		}
	}
	for id, j := range st.loading {
		if !st.isDesired(id) {
			c.cancelJob(st, j)
		}
	}
	for _, id := range st.desiredOrder {
		if !st.tracked(id) {
			c.submit(st, st.desired[id])
		}
	}
	// Load in the new nearest-first order.
	st.pending = st.pending[:0]
	for _, id := range st.desiredOrder {
		if j, found := st.queued[id]; found {
			st.pending = append(st.pending, j)
		}
	}
	c.publish(st)
}

// tracked is true if a key is queued, loading or resident.
func (st *state) tracked(id block.ID) bool {
	switch st.stateOf(id) {
	case block.Queued, block.Loading, block.Resident:
		return true
	}
	return false
}

func (c *Cache) addDesired(st *state, k block.Key) {
	id := k.ID()
	if !st.isDesired(id) {
		st.desired[id] = k
		st.desiredOrder = append(st.desiredOrder, id)
	}
	if !st.tracked(id) {
		c.submit(st, k)
	}
	c.publish(st)
}

func (c *Cache) clearAll(st *state) {
	st.ended = make(map[block.ID]block.State)
	for id, j := range st.queued {
		c.cancelJob(st, j)
		st.ended[id] = block.Cancelled
	}
	for _, j := range st.loading {
		c.cancelJob(st, j)
	}
	st.queued = make(map[block.ID]*job)
	st.pending = nil
	st.desired = make(map[block.ID]block.Key)
	st.desiredOrder = nil
	st.focusSet = false
	tiles := make([]*block.Tile, 0, len(st.resident))
	for _, tile := range st.resident {
		tiles = append(tiles, tile)
	}
	st.resident = make(map[block.ID]*block.Tile)
	c.pushObsolete(tiles)
	c.publish(st)
	dvid.Infof("Cleared tile cache, %d tiles now obsolete\n", len(tiles))
}

// finish handles a worker result.  A load that is no longer wanted is dropped
// even if it succeeded.  A key cancelled while loading and desired again since
// is queued anew.
func (c *Cache) finish(st *state, res result) {
	j := res.job
	id := j.key.ID()
	if st.loading[id] == j {
		delete(st.loading, id)
	}
	switch {
	case res.err != nil && (j.cancelled || errors.Is(res.err, block.ErrCancelled) || errors.Is(res.err, context.Canceled)):
		dvid.Debugf("Load of %s stopped early: %v\n", j.key, res.err)
		c.setEnded(st, id, block.Cancelled)
		if st.isDesired(id) && !st.tracked(id) {
			c.submit(st, st.desired[id])
		}
	case res.err != nil:
		c.failed.Add(1)
		dvid.Errorf("Failed to load %s: %v\n", j.key, res.err)
		c.setEnded(st, id, block.Failed)
	case !st.isDesired(id):
		c.discarded.Add(1)
		dvid.Debugf("Discarding load of %s, no longer desired\n", j.key)
		c.setEnded(st, id, block.Cancelled)
	default:
		if _, found := st.resident[id]; found {
			c.discarded.Add(1)
			dvid.Errorf("Load of %s finished but tile is already resident\n", j.key)
			break
		}
		st.resident[id] = block.NewTile(j.key, res.vol)
		delete(st.ended, id)
		c.loaded.Add(1)
		c.evict(st, j.key)
	}
	j.cancel()
	c.publish(st)
}

// setEnded records the outcome of a key that isn't queued, loading or resident
// under another job.
func (c *Cache) setEnded(st *state, id block.ID, s block.State) {
	if !st.tracked(id) {
		st.ended[id] = s
	}
}

// evict moves the tiles the chooser marks obsolete to the outbox.
func (c *Cache) evict(st *state, finished block.Key) {
	if c.chooser == nil {
		return
	}
	desired := make(map[block.ID]struct{}, len(st.desired))
	for id := range st.desired {
		desired[id] = struct{}{}
	}
	obsolete := c.chooser.ChooseObsoleteTiles(st.resident, desired, finished, st.evictionFocus(finished))
	tiles := make([]*block.Tile, 0, len(obsolete))
	for id, tile := range obsolete {
		if tile == nil {
			continue
		}
		if _, found := st.resident[id]; !found {
			continue
		}
		delete(st.resident, id)
		tiles = append(tiles, tile)
	}
	if len(tiles) > 0 {
		dvid.Debugf("Loading %s made %d tiles obsolete\n", finished, len(tiles))
	}
	c.pushObsolete(tiles)
}

// publish stores a new snapshot for the render loop and notifies subscribers
// if the displayed tiles changed.
func (c *Cache) publish(st *state) {
	snap := &snapshot{
		queued:   len(st.queued),
		loading:  len(st.loading),
		resident: len(st.resident),
	}
	if c.cfg.RetainUntilObsolete {
		for _, tile := range st.resident {
			snap.displayed = append(snap.displayed, tile)
		}
	}
	for _, id := range st.desiredOrder {
		tile, found := st.resident[id]
		if !found {
			continue
		}
		snap.canDisplay = true
		if !c.cfg.RetainUntilObsolete {
			snap.displayed = append(snap.displayed, tile)
		}
	}
	for _, tile := range st.resident {
		snap.residentBytes += int64(tile.MemSize())
	}
	prev := c.snap.Swap(snap)
	if !sameTiles(prev.displayed, snap.displayed) {
		c.changed()
	}
}

func sameTiles(a, b []*block.Tile) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[*block.Tile]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, found := set[t]; !found {
			return false
		}
	}
	return true
}
