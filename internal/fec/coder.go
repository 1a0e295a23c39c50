package fec

import "sync"

// SenderCoder runs one BlockEncoder per file index and an AdaptivePolicy
// shared across all of them, turning a file's byte stream into ready-to-
// send shard-record payloads. It is the sender-side half of the C5
// integration into C6's per-chunk emission loop.
type SenderCoder struct {
	shardSize int

	mu       sync.Mutex
	policy   *AdaptivePolicy
	encoders map[uint16]*BlockEncoder
}

// NewSenderCoder creates a coder whose blocks are built from shardSize-byte
// shards (DefaultShardSize if zero).
func NewSenderCoder(shardSize int) *SenderCoder {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	return &SenderCoder{
		shardSize: shardSize,
		policy:    NewAdaptivePolicy(),
		encoders:  make(map[uint16]*BlockEncoder),
	}
}

func (c *SenderCoder) encoderFor(fileIndex uint16) *BlockEncoder {
	e, ok := c.encoders[fileIndex]
	if !ok {
		e = NewBlockEncoder(c.shardSize)
		c.encoders[fileIndex] = e
	}
	return e
}

// Submit feeds fileIndex's next chunk bytes through its block encoder and
// returns every completed block's shards, already marshaled as wire-ready
// payloads under the current adaptive tuple.
func (c *SenderCoder) Submit(fileIndex uint16, chunk []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, err := c.encoderFor(fileIndex).Submit(chunk, c.policy.Current())
	if err != nil {
		return nil, err
	}
	return marshalBlocks(fileIndex, blocks), nil
}

// Flush finalizes fileIndex's trailing short block, returning its shard
// payloads (nil if there was nothing pending).
func (c *SenderCoder) Flush(fileIndex uint16) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	shards, err := c.encoderFor(fileIndex).Flush(c.policy.Current())
	if err != nil {
		return nil, err
	}
	if shards == nil {
		return nil, nil
	}
	return marshalBlocks(fileIndex, [][]Shard{shards}), nil
}

// ReportLoss folds an observed loss-rate sample (percent) into the shared
// adaptive policy, affecting the tuple used by every block encoded after
// this call.
func (c *SenderCoder) ReportLoss(lossPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.Update(lossPercent)
}

func marshalBlocks(fileIndex uint16, blocks [][]Shard) [][]byte {
	var out [][]byte
	for _, block := range blocks {
		for _, s := range block {
			out = append(out, EncodeShardRecord(fileIndex, s))
		}
	}
	return out
}

// ReceiverCoder runs one BlockDecoder per origin file index, reassembling
// reconstructed block bytes from shard-record payloads received under the
// FEC sentinel file index.
type ReceiverCoder struct {
	mu       sync.Mutex
	decoders map[uint16]*BlockDecoder
}

// NewReceiverCoder creates an empty receiver-side coder.
func NewReceiverCoder() *ReceiverCoder {
	return &ReceiverCoder{decoders: make(map[uint16]*BlockDecoder)}
}

// Accept decodes one shard-record payload and, if it completes a block,
// returns the original file index, the block's reassembled bytes and
// absolute offset within that file.
func (c *ReceiverCoder) Accept(payload []byte) (origFileIndex uint16, data []byte, offset uint64, ok bool, err error) {
	origFileIndex, shard, err := DecodeShardRecord(payload)
	if err != nil {
		return 0, nil, 0, false, err
	}

	c.mu.Lock()
	dec, exists := c.decoders[origFileIndex]
	if !exists {
		dec = NewBlockDecoder()
		c.decoders[origFileIndex] = dec
	}
	c.mu.Unlock()

	data, offset, ok, err = dec.Accept(shard)
	return origFileIndex, data, offset, ok, err
}
