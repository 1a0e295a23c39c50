// Package aead implements the AEAD session (C2): a stateful wrapper around
// the AES-256-GCM primitives in internal/crypto that owns the sequence
// counter for sequential encryption and enforces that a session never mixes
// sequential and independent-chunk nonce construction.
package aead

import (
	"errors"
	"fmt"
	"sync"

	"github.com/driftmesh/xfer/internal/crypto"
)

// ErrMixedNonceMode is returned when a session that has already used one
// nonce mode (sequential or independent-chunk) is asked to use the other.
// spec.md leaves this an open question; it is resolved here by forbidding
// the mix outright rather than trying to reconcile the two nonce spaces.
var ErrMixedNonceMode = errors.New("aead: session cannot mix sequential and chunk-keyed nonce modes")

// ErrSequenceExhausted is returned when a sequential session would wrap its
// 32-bit sequence counter, which would otherwise cause nonce reuse.
var ErrSequenceExhausted = errors.New("aead: sequential nonce counter exhausted")

type nonceMode int

const (
	modeUnset nonceMode = iota
	modeSequential
	modeChunk
)

// Session owns the key material and nonce-construction state for one AEAD
// session. It is safe for concurrent use: EncryptChunk callers may run on
// independent workers (per spec.md §5's "disjoint workers" allowance),
// while EncryptInPlace callers share the sequence counter under a lock.
type Session struct {
	keys *crypto.SessionKeys

	mu       sync.Mutex
	mode     nonceMode
	sequence uint32
}

// NewSession wraps session key material derived by the key-agreement
// collaborator (internal/keyagreement, or crypto.DeriveSessionKeys) into an
// AEAD session. The session keeps the pointer rather than a copy, so Close
// zeroises the caller's keys in place, and with them any other session
// built from the same keys.
func NewSession(keys *crypto.SessionKeys) *Session {
	return &Session{keys: keys}
}

func (s *Session) lockMode(m nonceMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeUnset {
		s.mode = m
		return nil
	}
	if s.mode != m {
		return ErrMixedNonceMode
	}
	return nil
}

// EncryptInPlace seals buf[:plaintextLen] using the sequential nonce mode,
// advancing the session's internal sequence counter by one. It returns the
// ciphertext+tag slice (aliasing buf) and the nonce used, so the caller can
// write it into the frame header (internal/wire.EncodeEncryptedHeader).
func (s *Session) EncryptInPlace(aad []byte, buf []byte, plaintextLen int) ([]byte, [12]byte, error) {
	if err := s.lockMode(modeSequential); err != nil {
		return nil, [12]byte{}, err
	}

	s.mu.Lock()
	if s.sequence == ^uint32(0) {
		s.mu.Unlock()
		return nil, [12]byte{}, ErrSequenceExhausted
	}
	seq := s.sequence
	s.sequence++
	s.mu.Unlock()

	nonce := crypto.BuildSequentialNonce(s.keys.RandomPrefix, seq)
	ciphertext, err := crypto.SealInPlace(s.keys.Key[:], nonce[:], aad, buf, plaintextLen)
	if err != nil {
		return nil, [12]byte{}, fmt.Errorf("aead: encrypt in place: %w", err)
	}
	return ciphertext, nonce, nil
}

// EncryptChunk seals plaintext using the independent-chunk nonce mode keyed
// by chunkIndex, letting disjoint workers encrypt unrelated chunks without
// coordinating through a shared counter. It allocates a fresh ciphertext
// buffer rather than aliasing the caller's slice.
func (s *Session) EncryptChunk(aad []byte, chunkIndex uint64, plaintext []byte) ([]byte, [12]byte, error) {
	if err := s.lockMode(modeChunk); err != nil {
		return nil, [12]byte{}, err
	}

	nonce := crypto.BuildChunkNonce(s.keys.RandomPrefix, chunkIndex)
	ciphertext, err := crypto.Seal(s.keys.Key[:], nonce[:], aad, plaintext)
	if err != nil {
		return nil, [12]byte{}, fmt.Errorf("aead: encrypt chunk: %w", err)
	}
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext (which must include its trailing 16-byte tag)
// using the given nonce. Decryption does not care which mode produced the
// nonce — the receiver only ever replays the nonce carried in the frame
// header, it never derives one itself.
func (s *Session) Decrypt(aad []byte, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := crypto.Open(s.keys.Key[:], nonce[:], aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("aead: decrypt: %w", err)
	}
	return plaintext, nil
}

// Close wipes the session's key material. The session must not be used
// after Close returns.
func (s *Session) Close() {
	s.keys.Zeroise()
}
