package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

// TestGenerateEd25519 tests Ed25519 keypair generation
func TestGenerateEd25519(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	if len(kp.PublicKey) != 32 {
		t.Errorf("Public key length = %d, want 32", len(kp.PublicKey))
	}

	if len(kp.PrivateKey) != 64 {
		t.Errorf("Private key length = %d, want 64", len(kp.PrivateKey))
	}
}

// TestGenerateX25519 tests X25519 keypair generation
func TestGenerateX25519(t *testing.T) {
	kp, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}

	var zeroKey [32]byte
	if bytes.Equal(kp.PublicKey[:], zeroKey[:]) {
		t.Error("Public key is all zeros")
	}

	if bytes.Equal(kp.PrivateKey[:], zeroKey[:]) {
		t.Error("Private key is all zeros")
	}
}

// TestX25519Exchange tests ECDH key exchange produces identical shared secrets
func TestX25519Exchange(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Alice's keypair: %v", err)
	}

	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Bob's keypair: %v", err)
	}

	aliceShared, err := X25519Exchange(&alice.PrivateKey, &bob.PublicKey)
	if err != nil {
		t.Fatalf("Alice's X25519Exchange failed: %v", err)
	}

	bobShared, err := X25519Exchange(&bob.PrivateKey, &alice.PublicKey)
	if err != nil {
		t.Fatalf("Bob's X25519Exchange failed: %v", err)
	}

	if !bytes.Equal(aliceShared[:], bobShared[:]) {
		t.Error("Shared secrets do not match")
	}
}

// TestDeriveSessionKeys tests session key derivation is symmetric
func TestDeriveSessionKeys(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Alice's keypair: %v", err)
	}

	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Bob's keypair: %v", err)
	}

	manifestHash := make([]byte, 32)
	rand.Read(manifestHash)

	aliceKeys, err := DeriveSessionKeys(&alice.PrivateKey, &bob.PublicKey, manifestHash)
	if err != nil {
		t.Fatalf("Alice's DeriveSessionKeys failed: %v", err)
	}

	bobKeys, err := DeriveSessionKeys(&bob.PrivateKey, &alice.PublicKey, manifestHash)
	if err != nil {
		t.Fatalf("Bob's DeriveSessionKeys failed: %v", err)
	}

	if !bytes.Equal(aliceKeys.Key[:], bobKeys.Key[:]) {
		t.Error("Keys do not match")
	}

	if !bytes.Equal(aliceKeys.RandomPrefix[:], bobKeys.RandomPrefix[:]) {
		t.Error("RandomPrefixes do not match")
	}
}

// TestSealAndOpen tests AES-GCM encryption roundtrip
func TestSealAndOpen(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Hello from driftmesh!")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("Ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Decrypted plaintext does not match original")
	}
}

// TestSealInPlace tests the in-place AEAD path used by the slot pool's
// commit_encrypted operation.
func TestSealInPlace(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("payload bytes written by the producer")
	buf := make([]byte, len(plaintext), len(plaintext)+16)
	copy(buf, plaintext)

	out, err := SealInPlace(key, nonce, nil, buf, len(plaintext))
	if err != nil {
		t.Fatalf("SealInPlace() failed: %v", err)
	}
	if len(out) != len(plaintext)+16 {
		t.Fatalf("sealed length = %d, want %d", len(out), len(plaintext)+16)
	}

	decrypted, err := Open(key, nonce, nil, out)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round-tripped plaintext does not match original")
	}
}

// TestAuthenticationFailure tests that tampered ciphertext is rejected
func TestAuthenticationFailure(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Secret message")
	ciphertext, err := Seal(key, nonce, nil, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	ciphertext[0] ^= 0x01

	_, err = Open(key, nonce, nil, ciphertext)
	if err == nil {
		t.Error("Open() should fail on tampered ciphertext")
	}
}

// TestWrongAAD tests that mismatched AAD causes authentication failure
func TestWrongAAD(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Message")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	wrongAAD := []byte("chunk-1")
	_, err = Open(key, nonce, wrongAAD, ciphertext)
	if err == nil {
		t.Error("Open() should fail with mismatched AAD")
	}
}

// TestChunkNonceUniqueness tests nonce uniqueness across 10,000 chunks
func TestChunkNonceUniqueness(t *testing.T) {
	var prefix [8]byte
	rand.Read(prefix[:])

	nonceSet := make(map[[12]byte]bool)
	const numChunks = 10000

	for i := uint64(0); i < numChunks; i++ {
		nonce := BuildChunkNonce(prefix, i)

		if nonceSet[nonce] {
			t.Fatalf("Nonce collision detected at chunk %d", i)
		}
		nonceSet[nonce] = true
	}

	t.Logf("Generated %d unique nonces", len(nonceSet))
}

// TestChunkNonceDeterministic tests nonce derivation is deterministic
func TestChunkNonceDeterministic(t *testing.T) {
	var prefix [8]byte
	rand.Read(prefix[:])

	nonce1 := BuildChunkNonce(prefix, 42)
	nonce2 := BuildChunkNonce(prefix, 42)

	if !bytes.Equal(nonce1[:], nonce2[:]) {
		t.Error("Nonce derivation is not deterministic")
	}
}

// TestSequentialNonceLayout tests the exact byte layout from spec.md's
// scenario 2: key = 32x0xAA, prefix = 8x0x01 yields nonce
// 01 01 01 01 00 00 00 00 00 00 00 00 for sequence 0.
func TestSequentialNonceLayout(t *testing.T) {
	var prefix [8]byte
	for i := range prefix {
		prefix[i] = 0x01
	}

	nonce := BuildSequentialNonce(prefix, 0)
	want := [12]byte{0x01, 0x01, 0x01, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}
	if nonce != want {
		t.Errorf("sequence 0 nonce = %x, want %x", nonce, want)
	}

	nonce15 := BuildSequentialNonce(prefix, 15)
	wantSeqBytes := [4]byte{0x00, 0x00, 0x00, 0x0F}
	if !bytes.Equal(nonce15[4:8], wantSeqBytes[:]) {
		t.Errorf("sequence 15 nonce sequence bytes = %x, want %x", nonce15[4:8], wantSeqBytes)
	}
}

// TestChunkAndSequentialNoncesCollideAtZero shows why one key must never
// serve both nonce modes: for counter 0 the two constructions yield the
// same nonce (prefix[0:4] followed by eight zero bytes).
func TestChunkAndSequentialNoncesCollideAtZero(t *testing.T) {
	var prefix [8]byte
	rand.Read(prefix[:])

	seqNonce := BuildSequentialNonce(prefix, 0)
	chunkNonce := BuildChunkNonce(prefix, 0)

	if !bytes.Equal(seqNonce[:], chunkNonce[:]) {
		t.Errorf("sequence 0 nonce = %x, chunk 0 nonce = %x, want equal", seqNonce, chunkNonce)
	}
}

// TestSaveLoadKeyWithPassphrase tests keystore encryption roundtrip
func TestSaveLoadKeyWithPassphrase(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")
	passphrase := "test-passphrase-123"

	err = SaveKey(kp.PrivateKey, keystorePath, passphrase)
	if err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}

	loadedKey, err := LoadKey(keystorePath, passphrase)
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}

	if !bytes.Equal(loadedKey, kp.PrivateKey) {
		t.Error("Loaded key does not match original")
	}

	_, err = LoadKey(keystorePath, "wrong-passphrase")
	if err == nil {
		t.Error("LoadKey() should fail with wrong passphrase")
	}
}

// TestSaveLoadKeyWithoutPassphrase tests insecure keystore
func TestSaveLoadKeyWithoutPassphrase(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")

	err = SaveKey(kp.PrivateKey, keystorePath, "")
	if err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}

	insecurePath := keystorePath + ".insecure"
	if _, err := os.Stat(insecurePath); os.IsNotExist(err) {
		t.Error("Insecure keystore file was not created")
	}

	loadedKey, err := LoadKey(insecurePath, "")
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}

	if !bytes.Equal(loadedKey, kp.PrivateKey) {
		t.Error("Loaded key does not match original")
	}
}

// TestChunkEncryptionWorkflow tests a realistic independent-chunk encryption
// scenario between two derived sessions.
func TestChunkEncryptionWorkflow(t *testing.T) {
	alice, _ := GenerateX25519()
	bob, _ := GenerateX25519()

	manifestHash := make([]byte, 32)
	rand.Read(manifestHash)

	aliceKeys, _ := DeriveSessionKeys(&alice.PrivateKey, &bob.PublicKey, manifestHash)
	bobKeys, _ := DeriveSessionKeys(&bob.PrivateKey, &alice.PublicKey, manifestHash)

	numChunks := 100
	for i := 0; i < numChunks; i++ {
		chunkData := []byte("chunk data " + string(rune(i)))
		chunkIndex := uint64(i)

		nonce := BuildChunkNonce(aliceKeys.RandomPrefix, chunkIndex)
		aad := []byte{byte(chunkIndex)}
		ciphertext, err := Seal(aliceKeys.Key[:], nonce[:], aad, chunkData)
		if err != nil {
			t.Fatalf("Chunk %d encryption failed: %v", i, err)
		}

		bobNonce := BuildChunkNonce(bobKeys.RandomPrefix, chunkIndex)
		decrypted, err := Open(bobKeys.Key[:], bobNonce[:], aad, ciphertext)
		if err != nil {
			t.Fatalf("Chunk %d decryption failed: %v", i, err)
		}

		if !bytes.Equal(decrypted, chunkData) {
			t.Errorf("Chunk %d data mismatch", i)
		}
	}

	t.Logf("Successfully encrypted and decrypted %d chunks", numChunks)
}
