/*
	Package display turns camera movement into desired block sets.  An Updater
	observes camera snapshots, runs the block chooser when the camera actually
	moved, and tells its subscribers when the chosen set of blocks changed.
*/
package display

import (
	"context"
	"sync"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/chooser"
	"github.com/janelia-flyem/tilestream/dvid"
)

// Camera is a snapshot of the view state the chooser needs.
type Camera struct {
	Focus dvid.Vector3d

	// Zoom is the height of the viewport in world units.
	Zoom float64
}

// Change is sent to subscribers when the desired blocks change.
type Change struct {
	Camera  Camera
	Desired []block.Key // nearest first
}

// Updater bridges camera updates to a block chooser.
type Updater struct {
	mu      sync.Mutex
	src     block.Source
	chooser chooser.BlockChooser

	autoUpdate bool
	processed  bool   // last is valid
	last       Camera // last camera run through the chooser
	seen       bool   // lastSeen is valid
	lastSeen   Camera // last camera observed, even with auto update off

	desired    []block.Key
	desiredSet map[block.ID]struct{}
	seq        uint64 // bumped for every reported change

	subs    map[int]func(Change)
	nextSub int

	// deliverMu serializes subscriber calls so changes arrive in seq order.
	deliverMu sync.Mutex
	delivered uint64
}

// NewUpdater returns an updater with auto update on.
func NewUpdater(src block.Source, ch chooser.BlockChooser) *Updater {
	return &Updater{
		src:        src,
		chooser:    ch,
		autoUpdate: true,
		desiredSet: make(map[block.ID]struct{}),
		subs:       make(map[int]func(Change)),
	}
}

// Run observes cameras from the channel until it is closed or the context is
// done.
func (u *Updater) Run(ctx context.Context, cameras <-chan Camera) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cam, ok := <-cameras:
			if !ok {
				return nil
			}
			u.Observe(cam)
		}
	}
}

// Observe handles one camera update and returns true if subscribers were told of
// a new desired set.  A camera equal to the last one processed is ignored, as
// are all cameras while auto update is off.
func (u *Updater) Observe(cam Camera) bool {
	u.mu.Lock()
	u.lastSeen = cam
	u.seen = true
	if !u.autoUpdate || (u.processed && cam == u.last) {
		u.mu.Unlock()
		return false
	}
	change, changed := u.reconcile(cam, false)
	seq := u.seq
	u.mu.Unlock()
	if changed {
		u.notify(change, seq)
	}
	return changed
}

// reconcile runs the chooser for the camera.  It must be called with the lock
// held.  If force is false, an unchanged set of keys is not reported.
func (u *Updater) reconcile(cam Camera, force bool) (change Change, changed bool) {
	previous := cam.Focus
	if u.processed {
		previous = u.last.Focus
	}
	u.last = cam
	u.processed = true
	keys := u.chooser.ChooseBlocks(u.src, cam.Focus, previous, cam.Zoom)
	if !force && u.sameSet(keys) {
		return Change{}, false
	}
	u.desired = keys
	u.desiredSet = make(map[block.ID]struct{}, len(keys))
	for _, k := range keys {
		u.desiredSet[k.ID()] = struct{}{}
	}
	u.seq++
	dvid.Debugf("Camera at %s, zoom %g: %d desired blocks\n", cam.Focus, cam.Zoom, len(keys))
	desired := make([]block.Key, len(keys))
	copy(desired, keys)
	return Change{Camera: cam, Desired: desired}, true
}

func (u *Updater) sameSet(keys []block.Key) bool {
	if len(keys) != len(u.desiredSet) {
		return false
	}
	for _, k := range keys {
		if _, found := u.desiredSet[k.ID()]; !found {
			return false
		}
	}
	return true
}

// notify delivers a change unless a later one already went out.  Changes
// computed concurrently may reach notify out of order.
func (u *Updater) notify(change Change, seq uint64) {
	u.deliverMu.Lock()
	defer u.deliverMu.Unlock()
	if seq <= u.delivered {
		dvid.Debugf("Dropping stale desired set %d, already delivered %d\n", seq, u.delivered)
		return
	}
	u.delivered = seq
	u.mu.Lock()
	fns := make([]func(Change), 0, len(u.subs))
	for _, f := range u.subs {
		fns = append(fns, f)
	}
	u.mu.Unlock()
	for _, f := range fns {
		f(change)
	}
}

// refresh reports the desired set for the last observed camera regardless of
// debouncing.
func (u *Updater) refresh() {
	u.mu.Lock()
	if !u.autoUpdate || !u.seen {
		u.mu.Unlock()
		return
	}
	change, _ := u.reconcile(u.lastSeen, true)
	seq := u.seq
	u.mu.Unlock()
	u.notify(change, seq)
}

// SetAutoUpdate turns camera processing on or off.  Turning it back on
// reconciles once with the last camera seen.
func (u *Updater) SetAutoUpdate(on bool) {
	u.mu.Lock()
	wasOn := u.autoUpdate
	u.autoUpdate = on
	u.mu.Unlock()
	if on && !wasOn {
		u.refresh()
	}
}

// AutoUpdate returns whether camera updates are processed.
func (u *Updater) AutoUpdate() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.autoUpdate
}

// SetSource switches to another block source and reconciles with the last
// camera seen.
func (u *Updater) SetSource(src block.Source) {
	u.mu.Lock()
	u.src = src
	u.processed = false
	u.mu.Unlock()
	u.refresh()
}

// SetChooser switches the block selection strategy and reconciles with the
// last camera seen.
func (u *Updater) SetChooser(ch chooser.BlockChooser) {
	u.mu.Lock()
	u.chooser = ch
	u.processed = false
	u.mu.Unlock()
	u.refresh()
}

// DesiredBlocks returns the last chosen keys, nearest first.
func (u *Updater) DesiredBlocks() []block.Key {
	u.mu.Lock()
	defer u.mu.Unlock()
	keys := make([]block.Key, len(u.desired))
	copy(keys, u.desired)
	return keys
}

// Subscribe registers a function called with every change of the desired
// blocks.  It is called on the goroutine that observed the camera, one change
// at a time and never with a set older than one already delivered.  It must
// not call Observe or the Set methods.  The returned function removes the
// subscription.
func (u *Updater) Subscribe(f func(Change)) (unsubscribe func()) {
	u.mu.Lock()
	id := u.nextSub
	u.nextSub++
	u.subs[id] = f
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.subs, id)
		u.mu.Unlock()
	}
}
