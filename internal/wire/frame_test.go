package wire

import (
	"bytes"
	"testing"
)

func TestEncodeParsePlainRoundTrip(t *testing.T) {
	payload := []byte("hello, streaming world")
	frame := EncodePlain(payload, 3, 131072, DefaultMaxChunkSize)

	h, err := ParsePlain(frame)
	if err != nil {
		t.Fatalf("ParsePlain() failed: %v", err)
	}
	if int(h.Length) != len(payload) {
		t.Errorf("Length = %d, want %d", h.Length, len(payload))
	}
	if h.FileIndex != 3 {
		t.Errorf("FileIndex = %d, want 3", h.FileIndex)
	}
	if h.Offset != 131072 {
		t.Errorf("Offset = %d, want 131072", h.Offset)
	}
	if h.ChunkIndex != 2 {
		t.Errorf("ChunkIndex = %d, want 2", h.ChunkIndex)
	}
	if !VerifyPlain(frame) {
		t.Error("VerifyPlain() = false, want true")
	}
	if !bytes.Equal(frame[PlainHeaderSize:], payload) {
		t.Error("payload region does not match original")
	}
}

func TestParsePlainRejectsShortFrame(t *testing.T) {
	if _, err := ParsePlain(make([]byte, 10)); err != ErrFrameTooShort {
		t.Errorf("err = %v, want ErrFrameTooShort", err)
	}
}

func TestParsePlainRejectsLengthMismatch(t *testing.T) {
	frame := EncodePlain([]byte("abc"), 0, 0, DefaultMaxChunkSize)
	frame = append(frame, 0xFF) // one extra byte, length field now wrong
	if _, err := ParsePlain(frame); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestVerifyPlainDetectsCorruption(t *testing.T) {
	frame := EncodePlain([]byte("payload bytes"), 0, 0, DefaultMaxChunkSize)
	frame[PlainHeaderSize] ^= 0xFF
	if VerifyPlain(frame) {
		t.Error("VerifyPlain() = true after corrupting payload, want false")
	}
}

func TestEmptyPayloadIsValid(t *testing.T) {
	frame := EncodePlain(nil, 0, 0, DefaultMaxChunkSize)
	h, err := ParsePlain(frame)
	if err != nil {
		t.Fatalf("ParsePlain() failed on empty payload: %v", err)
	}
	if h.Length != 0 {
		t.Errorf("Length = %d, want 0", h.Length)
	}
	if !VerifyPlain(frame) {
		t.Error("VerifyPlain() = false on empty payload, want true")
	}
}

func TestIsEOS(t *testing.T) {
	eos := EncodePlain(nil, EOSFileIndex, 0, DefaultMaxChunkSize)
	if !IsEOS(eos) {
		t.Error("IsEOS() = false on EOS frame, want true")
	}

	data := EncodePlain([]byte("x"), 0, 0, DefaultMaxChunkSize)
	if IsEOS(data) {
		t.Error("IsEOS() = true on data frame, want false")
	}
}

func TestEOSWithPayloadRejected(t *testing.T) {
	frame := EncodePlain([]byte("x"), EOSFileIndex, 0, DefaultMaxChunkSize)
	// Hand-craft: EncodePlain doesn't forbid building this frame, but
	// ParsePlain must reject it as malformed per spec.md boundary rules.
	if _, err := ParsePlain(frame); err != ErrEOSWithPayload {
		t.Errorf("err = %v, want ErrEOSWithPayload", err)
	}
}

func TestIsEncrypted(t *testing.T) {
	plain := EncodePlain([]byte("x"), 0, 0, DefaultMaxChunkSize)
	if IsEncrypted(plain) {
		t.Error("IsEncrypted() = true on plain frame, want false")
	}

	var nonce [12]byte
	enc := EncodeEncryptedHeader(0, 0, 5, nonce, DefaultMaxChunkSize)
	if !IsEncrypted(enc) {
		t.Error("IsEncrypted() = false on encrypted header, want true")
	}
}

func TestEncodeParseEncryptedHeaderRoundTrip(t *testing.T) {
	nonce := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	header := EncodeEncryptedHeader(7, 65536, 1024, nonce, DefaultMaxChunkSize)

	// Append fake ciphertext+tag matching plaintext_length.
	frame := append(header, make([]byte, 1024+TagSize)...)

	h, err := ParseEncryptedHeader(frame)
	if err != nil {
		t.Fatalf("ParseEncryptedHeader() failed: %v", err)
	}
	if h.FileIndex != 7 {
		t.Errorf("FileIndex = %d, want 7", h.FileIndex)
	}
	if h.Offset != 65536 {
		t.Errorf("Offset = %d, want 65536", h.Offset)
	}
	if h.ChunkIndex != 1 {
		t.Errorf("ChunkIndex = %d, want 1", h.ChunkIndex)
	}
	if h.PlaintextLength != 1024 {
		t.Errorf("PlaintextLength = %d, want 1024", h.PlaintextLength)
	}
	if h.Nonce != nonce {
		t.Errorf("Nonce = %v, want %v", h.Nonce, nonce)
	}
	if len(Ciphertext(frame)) != 1024+TagSize {
		t.Errorf("Ciphertext length = %d, want %d", len(Ciphertext(frame)), 1024+TagSize)
	}
}

func TestParseEncryptedHeaderRejectsBadVersion(t *testing.T) {
	var nonce [12]byte
	header := EncodeEncryptedHeader(0, 0, 0, nonce, DefaultMaxChunkSize)
	header[0] = 0x01
	if _, err := ParseEncryptedHeader(header); err != ErrUnsupportedVersion {
		t.Errorf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestParseEncryptedHeaderRejectsLengthMismatch(t *testing.T) {
	var nonce [12]byte
	header := EncodeEncryptedHeader(0, 0, 100, nonce, DefaultMaxChunkSize)
	frame := append(header, make([]byte, 50)...) // too short for plaintext_length=100
	if _, err := ParseEncryptedHeader(frame); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestReadFramePlainRoundTrip(t *testing.T) {
	payload := []byte("streamed over a byte pipe")
	frame := EncodePlain(payload, 7, 4096, DefaultMaxChunkSize)

	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame() failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadFrame() = %v, want %v", got, frame)
	}
}

func TestReadFrameEncryptedRoundTrip(t *testing.T) {
	var nonce [12]byte
	for i := range nonce {
		nonce[i] = byte(i)
	}
	header := EncodeEncryptedHeader(2, 8192, 64, nonce, DefaultMaxChunkSize)
	frame := append(header, make([]byte, 64+TagSize)...)

	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame() failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadFrame() = %v, want %v", got, frame)
	}
}

func TestReadFrameMultipleFramesBackToBack(t *testing.T) {
	f1 := EncodePlain([]byte("first"), 0, 0, DefaultMaxChunkSize)
	f2 := EncodePlain([]byte("second"), 0, 5, DefaultMaxChunkSize)
	stream := bytes.NewReader(append(append([]byte{}, f1...), f2...))

	got1, err := ReadFrame(stream)
	if err != nil {
		t.Fatalf("ReadFrame() #1 failed: %v", err)
	}
	if !bytes.Equal(got1, f1) {
		t.Errorf("frame #1 = %v, want %v", got1, f1)
	}
	got2, err := ReadFrame(stream)
	if err != nil {
		t.Fatalf("ReadFrame() #2 failed: %v", err)
	}
	if !bytes.Equal(got2, f2) {
		t.Errorf("frame #2 = %v, want %v", got2, f2)
	}
}

func TestReadFrameEOSFrame(t *testing.T) {
	frame := EncodePlain(nil, EOSFileIndex, 0, DefaultMaxChunkSize)
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame() failed: %v", err)
	}
	if !IsEOS(got) {
		t.Error("ReadFrame() result is not recognised as EOS")
	}
}
