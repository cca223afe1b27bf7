package ngprecomputed

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/tilestream/dvid"
)

// infoSchema covers the subset of the neuroglancer "info" file that we read.
const infoSchema = `{
	"type": "object",
	"required": ["@type", "type", "data_type", "num_channels", "scales"],
	"properties": {
		"@type": {"const": "neuroglancer_multiscale_volume"},
		"type": {"enum": ["image", "segmentation"]},
		"data_type": {"enum": ["uint8", "uint16", "uint32", "uint64", "float32"]},
		"num_channels": {"type": "integer", "minimum": 1},
		"scales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["chunk_sizes", "encoding", "key", "resolution", "size"],
				"properties": {
					"chunk_sizes": {
						"type": "array",
						"minItems": 1,
						"items": {"$ref": "#/$defs/positive3"}
					},
					"encoding": {"enum": ["raw", "jpeg", "compressed_segmentation"]},
					"key": {"type": "string", "minLength": 1},
					"resolution": {
						"type": "array",
						"minItems": 3,
						"maxItems": 3,
						"items": {"type": "number", "exclusiveMinimum": 0}
					},
					"size": {"$ref": "#/$defs/positive3"},
					"voxel_offset": {
						"type": "array",
						"minItems": 3,
						"maxItems": 3,
						"items": {"type": "integer"}
					},
					"sharding": {
						"type": "object",
						"required": ["@type", "hash", "minishard_bits", "preshift_bits", "shard_bits"],
						"properties": {
							"@type": {"const": "neuroglancer_uint64_sharded_v1"},
							"hash": {"enum": ["identity", "murmurhash3_x86_128"]},
							"minishard_bits": {"type": "integer", "minimum": 0, "maximum": 32},
							"preshift_bits": {"type": "integer", "minimum": 0, "maximum": 64},
							"shard_bits": {"type": "integer", "minimum": 0, "maximum": 32},
							"minishard_index_encoding": {"enum": ["raw", "gzip"]},
							"data_encoding": {"enum": ["raw", "gzip"]}
						}
					}
				}
			}
		}
	},
	"$defs": {
		"positive3": {
			"type": "array",
			"minItems": 3,
			"maxItems": 3,
			"items": {"type": "integer", "minimum": 1}
		}
	}
}`

var compiledInfoSchema = jsonschema.MustCompileString("info.schema.json", infoSchema)

type ngShard struct {
	FormatType    string `json:"@type"` // "neuroglancer_uint64_sharded_v1"
	Hash          string `json:"hash"`
	MinishardBits uint8  `json:"minishard_bits"`
	PreshiftBits  uint8  `json:"preshift_bits"`
	ShardBits     uint8  `json:"shard_bits"`
	IndexEncoding string `json:"minishard_index_encoding"` // "raw" or "gzip"
	DataEncoding  string `json:"data_encoding"`            // "raw" or "gzip"
}

type ngScale struct {
	ChunkSizes  []dvid.Point3d `json:"chunk_sizes"`
	Encoding    string         `json:"encoding"`
	Key         string         `json:"key"`
	Resolution  [3]float64     `json:"resolution"` // nanometers per voxel
	Sharding    *ngShard       `json:"sharding,omitempty"`
	Size        dvid.Point3d   `json:"size"`
	VoxelOffset dvid.Point3d   `json:"voxel_offset"`

	chunkSize     dvid.Point3d // first of ChunkSizes
	gridSize      dvid.Point3d // number of chunks along each dimension
	numBits       [3]uint8     // bits per dimension in compressed morton codes
	maxBits       uint8        // max of numBits
	minishardMask uint64       // minishard bits in hashed chunk ID
	shardMask     uint64       // shard bits in hashed chunk ID
	shardIndexEnd uint64       // where minishard indices begin in every shard file
}

type ngVolume struct {
	StoreType   string    `json:"@type"`     // "neuroglancer_multiscale_volume"
	VolumeType  string    `json:"type"`      // "image" or "segmentation"
	DataType    string    `json:"data_type"` // "uint8", ... "float32"
	NumChannels int       `json:"num_channels"`
	Scales      []ngScale `json:"scales"`
}

// parseInfo validates an info file against the schema and decodes it.
func parseInfo(data []byte) (*ngVolume, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("info file is not JSON: %v", err)
	}
	if err := compiledInfoSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid neuroglancer info file: %v", err)
	}
	vol := new(ngVolume)
	if err := json.Unmarshal(data, vol); err != nil {
		return nil, err
	}
	if err := vol.initialize(); err != nil {
		return nil, err
	}
	return vol, nil
}

// bytesPerVoxel returns the byte size of a single channel value.
func (vol *ngVolume) bytesPerVoxel() int {
	switch vol.DataType {
	case "uint8":
		return 1
	case "uint16":
		return 2
	case "uint32", "float32":
		return 4
	default:
		return 8
	}
}

// log2 returns the power of 2 necessary to cover the given value.
func log2(value int32) uint8 {
	var exp uint8
	pow := int32(1)
	for pow < value {
		pow *= 2
		exp++
	}
	return exp
}

func (vol *ngVolume) initialize() error {
	for n := range vol.Scales {
		scale := &vol.Scales[n]
		if scale.Encoding == "compressed_segmentation" {
			return fmt.Errorf("scale %q: compressed_segmentation encoding is not supported", scale.Key)
		}
		scale.Key = strings.Trim(scale.Key, "/")
		scale.chunkSize = scale.ChunkSizes[0]
		for dim := uint8(0); dim < 3; dim++ {
			scale.gridSize[dim] = (scale.Size[dim] + scale.chunkSize[dim] - 1) / scale.chunkSize[dim]
		}
		if scale.Sharding == nil {
			continue
		}
		if scale.Sharding.Hash != "identity" {
			return fmt.Errorf("scale %q: unimplemented shard hash %q", scale.Key, scale.Sharding.Hash)
		}
		var maxBits uint8
		for dim := uint8(0); dim < 3; dim++ {
			scale.numBits[dim] = log2(scale.gridSize[dim])
			if scale.numBits[dim] > maxBits {
				maxBits = scale.numBits[dim]
			}
		}
		scale.maxBits = maxBits

		const on uint64 = 0xFFFFFFFFFFFFFFFF
		minishardBits := scale.Sharding.MinishardBits
		shardBits := scale.Sharding.ShardBits
		minishardOff := (on >> minishardBits) << minishardBits
		scale.minishardMask = ^minishardOff
		excessBits := 64 - shardBits - minishardBits
		scale.shardMask = (minishardOff << excessBits) >> excessBits
		scale.shardIndexEnd = (1 << uint64(minishardBits)) * 16
		dvid.Debugf("Scale %q grid %s: morton bits %v, minishard mask %016x, shard mask %016x\n",
			scale.Key, scale.gridSize, scale.numBits, scale.minishardMask, scale.shardMask)
	}
	return nil
}
