package octree

import (
	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
)

// Key is an octree node key.  Its identity is the step path from the root.
type Key struct {
	path     string
	centroid dvid.Vector3d
	extent   dvid.Vector3d
}

func newKey(path string, centroid, extent dvid.Vector3d) *Key {
	return &Key{path: path, centroid: centroid, extent: extent}
}

func (k *Key) ID() block.ID {
	return block.ID{Kind: block.OctreeKind, Resolution: k.Resolution(), Path: k.path}
}

// Resolution is the depth of the node, 0 for the root.
func (k *Key) Resolution() block.Resolution {
	return block.Resolution(len(k.path))
}

// Path returns the octree steps, each a digit 1..8.
func (k *Key) Path() string {
	return k.path
}

func (k *Key) Centroid() dvid.Vector3d {
	return k.centroid
}

func (k *Key) Extent() dvid.Vector3d {
	return k.extent
}

func (k *Key) String() string {
	return k.ID().String()
}
