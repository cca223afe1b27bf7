/*
	Package chooser decides which blocks of a multi-resolution source should be
	displayed for a camera focus and zoom, and which resident tiles became
	obsolete after a load finished.
*/
package chooser

import (
	"fmt"
	"sort"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
)

// DefaultCoverage is the number of block heights that fit in a viewport at the
// zoom where a resolution level is first used.
const DefaultCoverage = 2.35

// BlockChooser is a block selection strategy.
type BlockChooser interface {
	// ChooseBlocks returns the desired keys nearest-first.  An empty list is
	// returned when the focus is outside the source.
	ChooseBlocks(src block.Source, focus, previousFocus dvid.Vector3d, zoom float64) []block.Key

	// ChooseObsoleteTiles returns the resident tiles to evict after the load
	// of the finished key.
	ChooseObsoleteTiles(resident map[block.ID]*block.Tile, desired map[block.ID]struct{},
		finished block.Key, focus dvid.Vector3d) map[block.ID]*block.Tile
}

// Config selects and tunes a chooser.  Zero values take the preset's values.
type Config struct {
	Type         string  `toml:"type"`
	MaxBlocks    int     `toml:"max_blocks"`
	ObsoleteRank int     `toml:"obsolete_rank"`
	Coverage     float64 `toml:"coverage"`
}

// Presets are the built-in chooser tunings.
var Presets = map[string]Config{
	"octree":  {Type: "octree", MaxBlocks: 8, ObsoleteRank: 14, Coverage: DefaultCoverage},
	"finest8": {Type: "finest8", MaxBlocks: 8, ObsoleteRank: 8, Coverage: DefaultCoverage},
	"many":    {Type: "many", MaxBlocks: 18, ObsoleteRank: 24, Coverage: DefaultCoverage},
}

// Chooser picks the blocks nearest the focus at the resolution matching the
// zoom.
type Chooser struct {
	name         string
	maxBlocks    int
	obsoleteRank int
	coverage     float64
}

// New returns a chooser for the configuration.  An empty type is "octree".
func New(c Config) (*Chooser, error) {
	name := c.Type
	if name == "" {
		name = "octree"
	}
	preset, found := Presets[name]
	if !found {
		return nil, fmt.Errorf("unknown chooser type %q", c.Type)
	}
	if c.MaxBlocks > 0 {
		preset.MaxBlocks = c.MaxBlocks
	}
	if c.ObsoleteRank > 0 {
		preset.ObsoleteRank = c.ObsoleteRank
	}
	if c.Coverage > 0 {
		preset.Coverage = c.Coverage
	}
	if c.MaxBlocks < 0 || c.ObsoleteRank < 0 || c.Coverage < 0 {
		return nil, fmt.Errorf("chooser settings must not be negative: %+v", c)
	}
	return &Chooser{
		name:         name,
		maxBlocks:    preset.MaxBlocks,
		obsoleteRank: preset.ObsoleteRank,
		coverage:     preset.Coverage,
	}, nil
}

// ZoomTable returns, for each resolution, the largest zoom at which it is used:
// the block height at that resolution times the coverage.
func ZoomTable(src block.Source, coverage float64) []float64 {
	maxRes := src.MaximumResolution()
	if maxRes < 0 {
		return nil
	}
	table := make([]float64, maxRes+1)
	for r := range table {
		table[r] = src.BlockSize(block.Resolution(r))[1] * coverage
	}
	return table
}

// ResolutionForZoom walks the zoom table from finest to coarsest and returns the
// first resolution whose threshold exceeds the zoom, or the coarsest resolution
// if none does.  It returns false if the source has no resolutions.
func ResolutionForZoom(table []float64, zoom float64) (block.Resolution, bool) {
	if len(table) == 0 {
		return 0, false
	}
	for r := len(table) - 1; r >= 0; r-- {
		if table[r] > zoom {
			return block.Resolution(r), true
		}
	}
	return 0, true
}

// ChooseBlocks resolves the 27 neighborhood keys around the focus at the zoom's
// resolution and returns the closest ones.  Ties in distance are ordered by key
// so the result is deterministic.  The previous focus is not used by this
// strategy.
func (c *Chooser) ChooseBlocks(src block.Source, focus, previousFocus dvid.Vector3d, zoom float64) []block.Key {
	r, ok := ResolutionForZoom(ZoomTable(src, c.coverage), zoom)
	if !ok {
		return nil
	}
	if src.BlockKeyAt(focus, r) == nil {
		return nil
	}
	size := src.BlockSize(r)
	seen := make(map[block.ID]struct{}, 27)
	var keys []block.Key
	for dz := -1.0; dz <= 1; dz++ {
		for dy := -1.0; dy <= 1; dy++ {
			for dx := -1.0; dx <= 1; dx++ {
				pt := dvid.Vector3d{focus[0] + dx*size[0], focus[1] + dy*size[1], focus[2] + dz*size[2]}
				k := src.BlockKeyAt(pt, r)
				if k == nil {
					continue
				}
				if _, found := seen[k.ID()]; found {
					continue
				}
				seen[k.ID()] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	SortByDistance(keys, focus)
	if len(keys) > c.maxBlocks {
		keys = keys[:c.maxBlocks]
	}
	return keys
}

// SortByDistance orders keys by ascending squared distance of their centroids
// to the focus, breaking ties by key.
func SortByDistance(keys []block.Key, focus dvid.Vector3d) {
	dists := make(map[block.ID]float64, len(keys))
	for _, k := range keys {
		dists[k.ID()] = k.Centroid().DistanceSquared(focus)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := dists[keys[i].ID()], dists[keys[j].ID()]
		if di != dj {
			return di < dj
		}
		return keys[i].ID().String() < keys[j].ID().String()
	})
}

// ChooseObsoleteTiles evicts every resident tile at another resolution than the
// finished key, plus tiles at the same resolution that are not desired and
// rank past the obsolete rank in distance to the focus.  Nothing is evicted
// while no tile of the finished resolution is resident.
func (c *Chooser) ChooseObsoleteTiles(resident map[block.ID]*block.Tile, desired map[block.ID]struct{},
	finished block.Key, focus dvid.Vector3d) map[block.ID]*block.Tile {

	obsolete := make(map[block.ID]*block.Tile)
	res := finished.Resolution()
	var sameRes []block.Key
	for _, tile := range resident {
		if tile.Key.Resolution() == res {
			sameRes = append(sameRes, tile.Key)
		}
	}
	if len(sameRes) == 0 {
		return obsolete
	}
	for id, tile := range resident {
		if tile.Key.Resolution() != res {
			obsolete[id] = tile
		}
	}
	SortByDistance(sameRes, focus)
	for rank, k := range sameRes {
		if rank < c.obsoleteRank {
			continue
		}
		id := k.ID()
		if _, wanted := desired[id]; !wanted {
			obsolete[id] = resident[id]
		}
	}
	return obsolete
}

// MaxBlocks is the cap on the number of chosen blocks.
func (c *Chooser) MaxBlocks() int {
	return c.maxBlocks
}

// ObsoleteRank is the number of closest same-resolution tiles never evicted.
func (c *Chooser) ObsoleteRank() int {
	return c.obsoleteRank
}

func (c *Chooser) String() string {
	return fmt.Sprintf("%s chooser (max %d blocks, obsolete rank %d, coverage %.2f)",
		c.name, c.maxBlocks, c.obsoleteRank, c.coverage)
}
