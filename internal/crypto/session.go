package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Domain separation string for session key derivation.
	sessionInfoString = "driftmesh-xfer-v1-session"

	// Expected output length from HKDF: 32 (Key) + 8 (RandomPrefix) = 40 bytes.
	hkdfOutputLength = 40
)

// DeriveSessionKeys performs HKDF-based key derivation from an X25519 shared
// secret. This is the key-agreement collaborator's job (out of scope for the
// transfer core itself, spec.md §1); the core only ever consumes the
// resulting SessionKeys.
//
// The manifest hash is used as the HKDF salt to bind the session keys to a
// specific file transfer, ensuring keys cannot be reused across different
// files.
func DeriveSessionKeys(ourPrivate, theirPublic *[32]byte, manifestHash []byte) (*SessionKeys, error) {
	if len(manifestHash) != 32 {
		return nil, fmt.Errorf("manifest hash must be 32 bytes, got %d", len(manifestHash))
	}

	sharedSecret, err := X25519Exchange(ourPrivate, theirPublic)
	if err != nil {
		return nil, fmt.Errorf("ECDH key exchange failed: %w", err)
	}

	hkdfReader := hkdf.New(sha256.New, sharedSecret[:], manifestHash, []byte(sessionInfoString))

	keyMaterial := make([]byte, hkdfOutputLength)
	if _, err := io.ReadFull(hkdfReader, keyMaterial); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	var keys SessionKeys
	copy(keys.Key[:], keyMaterial[0:32])
	copy(keys.RandomPrefix[:], keyMaterial[32:40])

	return &keys, nil
}
