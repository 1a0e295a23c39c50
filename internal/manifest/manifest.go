// Package manifest builds and verifies the transfer manifest exchanged
// between sender and receiver before any data flows: the total byte
// budget, per-file listing, and (as a supplemental feature carried over
// from the teacher's chunking/signing stack) per-file BLAKE3 hashes and an
// Ed25519 signature over the manifest as a whole.
package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/driftmesh/xfer/internal/crypto"
)

// FileEntry describes one file within a transfer.
type FileEntry struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`

	// Hash is the base64-encoded BLAKE3 digest of the file's bytes. It is
	// a supplemental field: recognised if present, but not required by
	// the wire schema.
	Hash string `json:"hash,omitempty"`
}

// TransferManifest is the recognised schema of the MANIFEST control
// message: totalSize, totalFiles, files[] (optional), rootName (optional),
// isSizeEstimated (optional).
type TransferManifest struct {
	TotalSize       uint64      `json:"totalSize"`
	TotalFiles      uint32      `json:"totalFiles"`
	Files           []FileEntry `json:"files,omitempty"`
	RootName        string      `json:"rootName,omitempty"`
	IsSizeEstimated bool        `json:"isSizeEstimated,omitempty"`
}

// SignedManifest pairs a manifest with an Ed25519 signature over its
// canonical JSON encoding, letting a receiver verify the manifest came
// from the identity it expects before trusting totalSize/files.
type SignedManifest struct {
	Manifest  TransferManifest `json:"manifest"`
	Signature string           `json:"signature"` // base64
	PublicKey string           `json:"publicKey"` // base64
}

// BuildFromPaths stats each path and computes its BLAKE3 hash, producing a
// manifest with an exact (non-estimated) total size.
func BuildFromPaths(rootName string, paths []string) (*TransferManifest, error) {
	m := &TransferManifest{
		RootName: rootName,
		Files:    make([]FileEntry, 0, len(paths)),
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("manifest: open %q: %w", p, err)
		}
		hash, size, err := hashFile(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("manifest: hash %q: %w", p, err)
		}

		m.Files = append(m.Files, FileEntry{Path: p, Size: uint64(size), Hash: hash})
		m.TotalSize += uint64(size)
	}
	m.TotalFiles = uint32(len(m.Files))
	return m, nil
}

func hashFile(r io.Reader) (hashBase64 string, size int64, err error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), n, nil
}

// Sign produces a SignedManifest by Ed25519-signing the manifest's
// canonical JSON encoding. Signing the manifest metadata is a defense in
// depth measure independent of verifying finalized bytes on disk, which
// this package does not do.
func Sign(m *TransferManifest, kp *crypto.Ed25519KeyPair) (*SignedManifest, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal for signing: %w", err)
	}
	sig := ed25519.Sign(kp.PrivateKey, payload)

	return &SignedManifest{
		Manifest:  *m,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(kp.PublicKey),
	}, nil
}

// Verify checks a SignedManifest's signature against its embedded public
// key and returns an error if verification fails.
func Verify(sm *SignedManifest) error {
	payload, err := json.Marshal(&sm.Manifest)
	if err != nil {
		return fmt.Errorf("manifest: marshal for verification: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sm.Signature)
	if err != nil {
		return fmt.Errorf("manifest: decode signature: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(sm.PublicKey)
	if err != nil {
		return fmt.Errorf("manifest: decode public key: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return fmt.Errorf("manifest: signature verification failed")
	}
	return nil
}
