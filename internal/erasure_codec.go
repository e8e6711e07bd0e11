package internal

import (
	"fmt"
	"sync"

	rs "github.com/klauspost/reedsolomon"
)

// ErasureCodec reconstructs missing data shards in place. Missing shards
// are passed with zero length; when their capacity is large enough the
// codec writes the recovered bytes into that memory.
type ErasureCodec interface {
	ReconstructData(shards [][]byte) error
}

// CodecFactory builds a codec for the given shard counts.
type CodecFactory func(dataShards, parityShards int) (ErasureCodec, error)

type codecKey struct {
	data, parity int
}

// ReedSolomonCodecs caches klauspost encoders per shard layout.
type ReedSolomonCodecs struct {
	mu    sync.Mutex
	cache map[codecKey]rs.Encoder
}

// NewReedSolomonCodecs creates an empty codec cache.
func NewReedSolomonCodecs() *ReedSolomonCodecs {
	return &ReedSolomonCodecs{cache: make(map[codecKey]rs.Encoder)}
}

// Codec returns the decoder for a layout, creating it on first use.
func (c *ReedSolomonCodecs) Codec(dataShards, parityShards int) (ErasureCodec, error) {
	return c.Encoder(dataShards, parityShards)
}

// Encoder returns the cached klauspost encoder for a layout.
func (c *ReedSolomonCodecs) Encoder(dataShards, parityShards int) (rs.Encoder, error) {
	key := codecKey{dataShards, parityShards}

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := rs.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("reedsolomon %d+%d: %w", dataShards, parityShards, err)
	}
	c.cache[key] = enc
	return enc, nil
}

// Factory adapts the cache to a CodecFactory.
func (c *ReedSolomonCodecs) Factory() CodecFactory {
	return c.Codec
}
