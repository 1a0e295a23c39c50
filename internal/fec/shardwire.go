package fec

import (
	"encoding/binary"
	"fmt"
)

// shardRecordHeaderSize is the fixed prefix encoded before a shard's raw
// bytes: orig_file_index(2) block_index(8) block_offset(8) block_size(4)
// shard_index(2) data_shards(2) par_shards(2) shard_len(4).
const shardRecordHeaderSize = 2 + 8 + 8 + 4 + 2 + 2 + 2 + 4

// EncodeShardRecord packs one Shard plus the file index it belongs to into
// a self-contained payload suitable for wire.EncodePlain/EncodeEncryptedHeader
// under the FECFileIndex sentinel.
func EncodeShardRecord(origFileIndex uint16, s Shard) []byte {
	rec := make([]byte, shardRecordHeaderSize+len(s.ShardBytes))
	binary.LittleEndian.PutUint16(rec[0:2], origFileIndex)
	binary.LittleEndian.PutUint64(rec[2:10], s.BlockIndex)
	binary.LittleEndian.PutUint64(rec[10:18], s.BlockOffset)
	binary.LittleEndian.PutUint32(rec[18:22], s.BlockSize)
	binary.LittleEndian.PutUint16(rec[22:24], s.ShardIndex)
	binary.LittleEndian.PutUint16(rec[24:26], s.DataShards)
	binary.LittleEndian.PutUint16(rec[26:28], s.ParShards)
	binary.LittleEndian.PutUint32(rec[28:32], uint32(len(s.ShardBytes)))
	copy(rec[shardRecordHeaderSize:], s.ShardBytes)
	return rec
}

// DecodeShardRecord is the inverse of EncodeShardRecord.
func DecodeShardRecord(rec []byte) (origFileIndex uint16, s Shard, err error) {
	if len(rec) < shardRecordHeaderSize {
		return 0, Shard{}, fmt.Errorf("fec: shard record shorter than header (%d bytes)", len(rec))
	}
	origFileIndex = binary.LittleEndian.Uint16(rec[0:2])
	s.BlockIndex = binary.LittleEndian.Uint64(rec[2:10])
	s.BlockOffset = binary.LittleEndian.Uint64(rec[10:18])
	s.BlockSize = binary.LittleEndian.Uint32(rec[18:22])
	s.ShardIndex = binary.LittleEndian.Uint16(rec[22:24])
	s.DataShards = binary.LittleEndian.Uint16(rec[24:26])
	s.ParShards = binary.LittleEndian.Uint16(rec[26:28])
	shardLen := binary.LittleEndian.Uint32(rec[28:32])

	if len(rec) != shardRecordHeaderSize+int(shardLen) {
		return 0, Shard{}, fmt.Errorf("fec: shard record declares %d payload bytes, has %d", shardLen, len(rec)-shardRecordHeaderSize)
	}
	s.ShardBytes = rec[shardRecordHeaderSize:]
	return origFileIndex, s, nil
}
