package storage

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Default redundancy policy: 7 shards total, any 4 reconstruct.
const (
	DefaultDataShards   = 4
	DefaultParityShards = 3
)

// EncodeShards splits data into dataShards+parityShards erasure-coded
// fragments. Any dataShards of them suffice to reconstruct the original.
func EncodeShards(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split data: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}
	return shards, nil
}

// ReconstructShards rebuilds the original data from surviving shards. Lost
// shards are nil entries; size is the original byte length.
func ReconstructShards(shards [][]byte, dataShards, parityShards, size int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct: %w", err)
	}

	var out []byte
	for _, shard := range shards[:dataShards] {
		out = append(out, shard...)
	}
	if size > len(out) {
		return nil, fmt.Errorf("reconstructed %d bytes, expected %d", len(out), size)
	}
	return out[:size], nil
}
