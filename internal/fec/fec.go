// Package fec implements the forward error correction codec (C5): Reed-
// Solomon shard encoding over fixed-size blocks of file bytes, an adaptive
// shard-count policy driven by an EMA of observed loss, and the wire
// framing that lets reconstructed shards re-enter the receiver's ordinary
// per-file reordering pipeline (C4) as if they had arrived as plain data.
//
// Even though the transport (QUIC streams) is reliable and ordered, a
// shard frame can still be missing from the receiver's point of view: a
// relay hop (relay/main.go) forwards opaque frames with no integrity
// checking of its own, and a frame that fails its CRC32/AEAD check is
// dropped by the receiver engine exactly like a frame that never arrived.
// FEC lets up to M of a block's K+M shards be absent for any reason without
// losing the block.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Encoder splits a fixed-size data block into K+M shards, any K of which
// are sufficient to reconstruct the original block.
type Encoder struct {
	enc        reedsolomon.Encoder
	dataShards int
	parShards  int
}

// Decoder reconstructs a data block from a possibly-incomplete set of its
// K+M shards.
type Decoder struct {
	enc        reedsolomon.Encoder
	dataShards int
	parShards  int
}

func validateShardCounts(dataShards, parShards int) error {
	if dataShards <= 0 || parShards < 0 {
		return fmt.Errorf("fec: data shards must be positive and parity shards non-negative, got %d/%d", dataShards, parShards)
	}
	return nil
}

// NewEncoder builds an encoder for a (dataShards, parShards) tuple.
func NewEncoder(dataShards, parShards int) (*Encoder, error) {
	if err := validateShardCounts(dataShards, parShards); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(dataShards, parShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder: %w", err)
	}
	return &Encoder{enc: enc, dataShards: dataShards, parShards: parShards}, nil
}

// NewDecoder builds a decoder for the same (dataShards, parShards) tuple
// the corresponding Encoder used.
func NewDecoder(dataShards, parShards int) (*Decoder, error) {
	if err := validateShardCounts(dataShards, parShards); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(dataShards, parShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new decoder: %w", err)
	}
	return &Decoder{enc: enc, dataShards: dataShards, parShards: parShards}, nil
}

// Encode splits block into dataShards equal-size shards (block must already
// be padded to a multiple of dataShards by the caller) and returns
// dataShards+parShards shards, the trailing parShards holding computed
// parity.
func (e *Encoder) Encode(block []byte) ([][]byte, error) {
	shards, err := e.enc.Split(block)
	if err != nil {
		return nil, fmt.Errorf("fec: split: %w", err)
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return shards, nil
}

// TotalShards returns dataShards+parShards.
func (e *Encoder) TotalShards() int { return e.dataShards + e.parShards }

// DataShards returns the configured data-shard count.
func (e *Encoder) DataShards() int { return e.dataShards }

// Reconstruct fills in any nil entries of shards (indexed 0..dataShards+
// parShards-1) it can recover from the present ones, given at least
// dataShards non-nil shards of equal, consistent length. It returns an
// error if reconstruction is impossible with what's present.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if err := d.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// Join concatenates the dataShards leading shards back into the original
// block, truncated to size bytes (undoing the caller's zero-padding).
func (d *Decoder) Join(shards [][]byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for i := 0; i < d.dataShards && len(out) < size; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("fec: join: data shard %d missing after reconstruct", i)
		}
		out = append(out, shards[i]...)
	}
	if len(out) < size {
		return nil, fmt.Errorf("fec: join: assembled %d bytes, want %d", len(out), size)
	}
	return out[:size], nil
}

// DataShardsCount returns the configured data-shard count.
func (d *Decoder) DataShardsCount() int { return d.dataShards }

// TotalShards returns dataShards+parShards.
func (d *Decoder) TotalShards() int { return d.dataShards + d.parShards }
