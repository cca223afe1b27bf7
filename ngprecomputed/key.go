package ngprecomputed

import (
	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
)

// Key is a chunk of one pyramid scale addressed by its chunk grid coordinate.
type Key struct {
	res      block.Resolution
	coord    dvid.ChunkPoint3d
	centroid dvid.Vector3d
	extent   dvid.Vector3d
}

func (k *Key) ID() block.ID {
	return block.ID{Kind: block.GridKind, Resolution: k.res, Coord: k.coord}
}

func (k *Key) Resolution() block.Resolution {
	return k.res
}

// Coord returns the chunk grid coordinate within the key's scale.
func (k *Key) Coord() dvid.ChunkPoint3d {
	return k.coord
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
