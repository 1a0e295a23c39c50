package control

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/driftmesh/xfer/internal/manifest"
)

func TestEncodeDecodeManifest(t *testing.T) {
	m := manifest.TransferManifest{TotalSize: 2048, TotalFiles: 2, RootName: "archive"}
	raw, err := EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest() failed: %v", err)
	}
	if !strings.HasPrefix(string(raw), "{") {
		t.Error("encoded message does not start with '{'")
	}

	typ, payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if typ != TypeManifest {
		t.Errorf("Type = %q, want MANIFEST", typ)
	}
	mm, ok := payload.(ManifestMessage)
	if !ok {
		t.Fatalf("payload type = %T, want ManifestMessage", payload)
	}
	if mm.Manifest.TotalSize != 2048 || mm.Manifest.RootName != "archive" {
		t.Errorf("decoded manifest = %+v, want TotalSize=2048 RootName=archive", mm.Manifest)
	}
}

func TestEncodeDecodeSimpleMessages(t *testing.T) {
	for _, typ := range []Type{TypeTransferReady, TypeTransferStarted, TypeTransferStarting, TypeDownloadComplete, TypeKeepAlive} {
		raw, err := EncodeSimple(typ)
		if err != nil {
			t.Fatalf("EncodeSimple(%q) failed: %v", typ, err)
		}
		got, payload, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", typ, err)
		}
		if got != typ {
			t.Errorf("Type = %q, want %q", got, typ)
		}
		if payload != nil {
			t.Errorf("payload = %v, want nil", payload)
		}
	}
}

func TestEncodeSimpleRejectsPayloadBearingType(t *testing.T) {
	if _, err := EncodeSimple(TypeManifest); err == nil {
		t.Error("expected error encoding MANIFEST via EncodeSimple")
	}
}

func TestEncodeDecodeQueued(t *testing.T) {
	raw, err := EncodeQueued(QueuedMessage{Message: "waiting for a slot", Position: 2})
	if err != nil {
		t.Fatalf("EncodeQueued() failed: %v", err)
	}
	typ, payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if typ != TypeQueued {
		t.Errorf("Type = %q, want QUEUED", typ)
	}
	qm := payload.(QueuedMessage)
	if qm.Position != 2 || qm.Message != "waiting for a slot" {
		t.Errorf("decoded = %+v", qm)
	}
}

func TestEncodeDecodeControlPauseResume(t *testing.T) {
	for _, action := range []Action{ActionPause, ActionResume} {
		raw, err := EncodeControl(ControlMessage{Action: action})
		if err != nil {
			t.Fatalf("EncodeControl(%q) failed: %v", action, err)
		}
		typ, payload, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		if typ != TypeControl {
			t.Errorf("Type = %q, want CONTROL", typ)
		}
		cm := payload.(ControlMessage)
		if cm.Action != action {
			t.Errorf("Action = %q, want %q", cm.Action, action)
		}
	}
}

func TestEncodeControlRejectsUnknownAction(t *testing.T) {
	if _, err := EncodeControl(ControlMessage{Action: "FROBNICATE"}); err == nil {
		t.Error("expected error for unrecognised action")
	}
}

func TestDecodeRejectsUnrecognisedType(t *testing.T) {
	if _, _, err := Decode([]byte(`{"type":"NOT_A_REAL_MESSAGE"}`)); err == nil {
		t.Error("expected error for unrecognised message type")
	}
}

func TestDecodeRejectsManifestMissingField(t *testing.T) {
	if _, _, err := Decode([]byte(`{"type":"MANIFEST"}`)); err == nil {
		t.Error("expected error for MANIFEST message missing manifest field")
	}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	raw, _ := EncodeSimple(TypeKeepAlive)
	var buf bytes.Buffer
	if err := WriteMessage(&buf, raw); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	typ, _, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if typ != TypeKeepAlive {
		t.Errorf("Type = %q, want KEEP_ALIVE", typ)
	}
}

func TestWriteReadMessageMultipleBackToBack(t *testing.T) {
	m1, _ := EncodeSimple(TypeTransferReady)
	m2, _ := EncodeQueued(QueuedMessage{Message: "hang on", Position: 1})

	var buf bytes.Buffer
	WriteMessage(&buf, m1)
	WriteMessage(&buf, m2)

	got1, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage() #1 failed: %v", err)
	}
	if typ, _, _ := Decode(got1); typ != TypeTransferReady {
		t.Errorf("message #1 type = %q, want TRANSFER_READY", typ)
	}

	got2, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage() #2 failed: %v", err)
	}
	typ2, payload2, _ := Decode(got2)
	if typ2 != TypeQueued {
		t.Errorf("message #2 type = %q, want QUEUED", typ2)
	}
	if qm, ok := payload2.(QueuedMessage); !ok || qm.Position != 1 {
		t.Errorf("message #2 payload = %+v", payload2)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxMessageSize+1)
	buf.Write(lenBuf[:])

	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for oversized message length")
	}
}
