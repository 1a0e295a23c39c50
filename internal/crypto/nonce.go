package crypto

import "encoding/binary"

// BuildSequentialNonce constructs the 12-byte AEAD nonce used by a
// sequential encryption session: the first 4 bytes of the session's random
// prefix, followed by the big-endian sequence counter, followed by four zero
// bytes. Every increment of sequence yields a fresh nonce for the life of
// the session; the caller is responsible for never reusing a sequence value.
func BuildSequentialNonce(randomPrefix [8]byte, sequence uint32) [12]byte {
	var nonce [12]byte
	copy(nonce[0:4], randomPrefix[0:4])
	binary.BigEndian.PutUint32(nonce[4:8], sequence)
	return nonce
}

// BuildChunkNonce constructs the 12-byte AEAD nonce used by independent-chunk
// encryption: the first 4 bytes of the random prefix, followed by the
// big-endian chunk index filling the remaining 8 bytes. This mode lets
// disjoint workers encrypt unrelated chunks deterministically without
// coordinating through a shared sequence counter; it MUST NOT share its
// nonce space with a sequential session under the same key.
func BuildChunkNonce(randomPrefix [8]byte, chunkIndex uint64) [12]byte {
	var nonce [12]byte
	copy(nonce[0:4], randomPrefix[0:4])
	binary.BigEndian.PutUint64(nonce[4:12], chunkIndex)
	return nonce
}
