package ngprecomputed

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

// Compressed morton codes interleave the bits of the chunk grid coordinates
// from LSB to MSB, dropping a dimension once all of its bits are used.  Say x
// needs 16 bits, y 14 and z 24:
//
// x = ---- ---- ---- ---- ---f -e-- d--c --b- -a-- 9--8 --7- -6-- 5--4 --3- -2-- 1--0
// y = ---- ---- ---- ---- ---- ---d --c- -b-- a--9 --8- -7-- 6--5 --4- -3-- 2--1 --0-
// z = ---- ---- --76 5432 10f- e-d- -c-- b--a --9- -8-- 7--6 --5- -4-- 3--2 --1- -0--
//
// OR-ing the three gives the chunk ID without collisions.
func mortonCode(scale *ngScale, chunk dvid.ChunkPoint3d) (code uint64) {
	var coords [3]uint64
	for dim := 0; dim < 3; dim++ {
		coords[dim] = uint64(chunk[dim])
	}
	var outBit uint8
	for curBit := uint8(0); curBit < scale.maxBits; curBit++ {
		for dim := 0; dim < 3; dim++ {
			if curBit < scale.numBits[dim] {
				code |= (coords[dim] & 1) << outBit
				outBit++
				coords[dim] >>= 1
			}
		}
	}
	return
}

// shardLocation gives the shard file, minishard and chunk ID of a chunk.
func shardLocation(scale *ngScale, chunk dvid.ChunkPoint3d) (shardFile string, minishard, chunkID uint64) {
	chunkID = mortonCode(scale, chunk)
	hashedID := chunkID >> scale.Sharding.PreshiftBits
	minishard = hashedID & scale.minishardMask
	shard := (hashedID & scale.shardMask) >> scale.Sharding.MinishardBits
	shardPadding := 1
	if scale.Sharding.ShardBits > 4 {
		shardPadding = 1 + int(scale.Sharding.ShardBits-1)/4
	}
	shardFile = fmt.Sprintf("%s/%0*x.shard", scale.Key, shardPadding, shard)
	return
}

type valueLoc struct {
	pos  uint64 // byte of value start relative to start of file
	size uint64 // size of value in bytes
}

type minishardMap map[uint64]valueLoc

// shardCache holds bounded LRU caches of shard indices and decoded minishard
// maps.  A nil shard index marks a shard file known to be absent.
type shardCache struct {
	mu         sync.Mutex
	indices    *lru.Cache // shard file -> []byte
	minishards *lru.Cache // "shard file#minishard" -> minishardMap
}

func newShardCache(maxShards, maxMinishards int) *shardCache {
	return &shardCache{
		indices:    lru.New(maxShards),
		minishards: lru.New(maxMinishards),
	}
}

func (c *shardCache) getIndex(shardFile string) (index []byte, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.indices.Get(shardFile)
	if !found {
		return nil, false
	}
	return v.([]byte), true
}

func (c *shardCache) addIndex(shardFile string, index []byte) {
	c.mu.Lock()
	c.indices.Add(shardFile, index)
	c.mu.Unlock()
}

func (c *shardCache) getMinishard(key string) (minishardMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, found := c.minishards.Get(key)
	if !found {
		return nil, false
	}
	return v.(minishardMap), true
}

func (c *shardCache) addMinishard(key string, m minishardMap) {
	c.mu.Lock()
	c.minishards.Add(key, m)
	c.mu.Unlock()
}

func gzipUncompress(in []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("can't uncompress gzip data: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("can't read gzip data: %v", err)
	}
	return out, nil
}

// shardIndex returns the fixed-size index at the start of a shard file, or nil
// if the shard file does not exist.
func (s *Source) shardIndex(ctx context.Context, scale *ngScale, shardFile string) ([]byte, error) {
	if index, found := s.shards.getIndex(shardFile); found {
		return index, nil
	}
	timedLog := dvid.NewTimeLog()
	index, err := storage.RangeRead(ctx, s.store, shardFile, 0, scale.shardIndexEnd)
	if err != nil {
		if !storage.IsNotFound(err) {
			return nil, err
		}
		index = nil
	} else if uint64(len(index)) != scale.shardIndexEnd {
		return nil, fmt.Errorf("shard index of %q is %d bytes, expected %d", shardFile, len(index), scale.shardIndexEnd)
	}
	s.shards.addIndex(shardFile, index)
	timedLog.Debugf("loaded shard index from object %q", shardFile)
	return index, nil
}

// minishardMap returns the chunk locations of one minishard, or nil if the
// shard file does not exist.
func (s *Source) minishardMap(ctx context.Context, scale *ngScale, shardFile string, minishard uint64) (minishardMap, error) {
	cacheKey := fmt.Sprintf("%s#%d", shardFile, minishard)
	if m, found := s.shards.getMinishard(cacheKey); found {
		return m, nil
	}
	index, err := s.shardIndex(ctx, scale, shardFile)
	if err != nil || index == nil {
		return nil, err
	}
	m, err := s.loadMinishardMap(ctx, scale, shardFile, index, minishard)
	if err != nil {
		return nil, err
	}
	s.shards.addMinishard(cacheKey, m)
	return m, nil
}

func (s *Source) loadMinishardMap(ctx context.Context, scale *ngScale, shardFile string, index []byte, minishard uint64) (minishardMap, error) {
	timedLog := dvid.NewTimeLog()
	pos := minishard * 16
	begByte := binary.LittleEndian.Uint64(index[pos:pos+8]) + scale.shardIndexEnd
	endByte := binary.LittleEndian.Uint64(index[pos+8:pos+16]) + scale.shardIndexEnd
	if endByte == begByte {
		return minishardMap{}, nil
	}
	if endByte < begByte {
		return nil, fmt.Errorf("minishard %d of %q has end %d before start %d", minishard, shardFile, endByte, begByte)
	}
	rawData, err := storage.RangeRead(ctx, s.store, shardFile, begByte, endByte-begByte)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch scale.Sharding.IndexEncoding {
	case "", "raw":
		data = rawData
	case "gzip":
		if data, err = gzipUncompress(rawData); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown minishard_index_encoding: %s", scale.Sharding.IndexEncoding)
	}
	m, err := decodeMinishard(data, scale.shardIndexEnd)
	if err != nil {
		return nil, err
	}
	timedLog.Debugf("loaded minishard %d of %q with %s encoding: %d entries", minishard, shardFile, scale.Sharding.IndexEncoding, len(m))
	return m, nil
}

// decodeMinishard parses a minishard index: three arrays of n little-endian
// uint64 holding delta-coded chunk IDs, delta-coded offsets and sizes.  Each
// offset is relative to the end of the previous chunk's data.
func decodeMinishard(data []byte, dataStart uint64) (minishardMap, error) {
	if len(data)%24 != 0 {
		return nil, fmt.Errorf("minishard data length is %d bytes, which is not multiple of 24", len(data))
	}
	n := uint64(len(data)) / 24
	m := make(minishardMap, n)
	var chunkID uint64
	start := dataStart
	for i := uint64(0); i < n; i++ {
		chunkID += binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		offset := binary.LittleEndian.Uint64(data[(n+i)*8 : (n+i)*8+8])
		size := binary.LittleEndian.Uint64(data[(2*n+i)*8 : (2*n+i)*8+8])
		start += offset
		m[chunkID] = valueLoc{pos: start, size: size}
		start += size
	}
	return m, nil
}

// readShardedChunk returns the stored bytes of a chunk in a sharded scale.
func (s *Source) readShardedChunk(ctx context.Context, scale *ngScale, chunk dvid.ChunkPoint3d) ([]byte, error) {
	shardFile, minishard, chunkID := shardLocation(scale, chunk)
	m, err := s.minishardMap(ctx, scale, shardFile, minishard)
	if err != nil {
		return nil, err
	}
	loc, found := m[chunkID]
	if !found {
		return nil, storage.ErrNotFound
	}
	data, err := storage.RangeRead(ctx, s.store, shardFile, loc.pos, loc.size)
	if err != nil {
		return nil, err
	}
	if scale.Sharding.DataEncoding == "gzip" {
		return gzipUncompress(data)
	}
	return data, nil
}
