// Package control implements the JSON control protocol exchanged between
// sender and receiver over the signalling channel: one tagged message per
// transport datagram, always UTF-8 starting with '{'. Only the message set
// this system recognises is implemented here; the teacher's broader
// control protocol (ACK/NACK, chunk-have bitmaps, Merkle verification
// results) addresses concerns this system puts out of scope.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/driftmesh/xfer/internal/manifest"
)

// MaxMessageSize bounds the length prefix ReadMessage accepts, guarding a
// stream reader against a corrupt or hostile peer claiming an enormous
// message. WriteMessage does not check it.
const MaxMessageSize = 1 << 20

// Type identifies a control message's shape.
type Type string

const (
	TypeManifest         Type = "MANIFEST"
	TypeTransferReady    Type = "TRANSFER_READY"
	TypeTransferStarted  Type = "TRANSFER_STARTED"
	TypeTransferStarting Type = "TRANSFER_STARTING"
	TypeQueued           Type = "QUEUED"
	TypeControl          Type = "CONTROL"
	TypeDownloadComplete Type = "DOWNLOAD_COMPLETE"
	TypeKeepAlive        Type = "KEEP_ALIVE"
)

// Action is the recognised set of CONTROL message actions.
type Action string

const (
	ActionPause  Action = "PAUSE"
	ActionResume Action = "RESUME"
)

// envelope is the wire shape shared by every control message: a type tag
// plus whatever type-specific fields are present.
type envelope struct {
	Type     Type                       `json:"type"`
	Manifest *manifest.TransferManifest `json:"manifest,omitempty"`
	Message  string                     `json:"message,omitempty"`
	Position int                        `json:"position,omitempty"`
	Action   Action                     `json:"action,omitempty"`
}

// ManifestMessage carries the transfer manifest, sent sender → receiver
// before any data.
type ManifestMessage struct {
	Manifest manifest.TransferManifest
}

// QueuedMessage tells a receiver its position in the admission queue.
type QueuedMessage struct {
	Message  string
	Position int
}

// ControlMessage carries a flow-control edge, receiver → sender.
type ControlMessage struct {
	Action Action
}

// EncodeManifest serialises a MANIFEST message.
func EncodeManifest(m manifest.TransferManifest) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeManifest, Manifest: &m})
}

// EncodeSimple serialises a message that carries no payload beyond its
// type tag: TRANSFER_READY, TRANSFER_STARTED, TRANSFER_STARTING,
// DOWNLOAD_COMPLETE, or KEEP_ALIVE.
func EncodeSimple(t Type) ([]byte, error) {
	switch t {
	case TypeTransferReady, TypeTransferStarted, TypeTransferStarting, TypeDownloadComplete, TypeKeepAlive:
		return json.Marshal(envelope{Type: t})
	default:
		return nil, fmt.Errorf("control: %q is not a payload-free message type", t)
	}
}

// EncodeQueued serialises a QUEUED message.
func EncodeQueued(q QueuedMessage) ([]byte, error) {
	return json.Marshal(envelope{Type: TypeQueued, Message: q.Message, Position: q.Position})
}

// EncodeControl serialises a CONTROL message.
func EncodeControl(c ControlMessage) ([]byte, error) {
	if c.Action != ActionPause && c.Action != ActionResume {
		return nil, fmt.Errorf("control: unrecognised action %q", c.Action)
	}
	return json.Marshal(envelope{Type: TypeControl, Action: c.Action})
}

// Decode parses a raw datagram into its Type tag plus a typed payload. The
// payload's concrete type is one of: ManifestMessage, QueuedMessage,
// ControlMessage, or nil for the payload-free message types.
func Decode(raw []byte) (Type, interface{}, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("control: decode: %w", err)
	}

	switch env.Type {
	case TypeManifest:
		if env.Manifest == nil {
			return env.Type, nil, fmt.Errorf("control: MANIFEST message missing manifest field")
		}
		return env.Type, ManifestMessage{Manifest: *env.Manifest}, nil
	case TypeQueued:
		return env.Type, QueuedMessage{Message: env.Message, Position: env.Position}, nil
	case TypeControl:
		if env.Action != ActionPause && env.Action != ActionResume {
			return env.Type, nil, fmt.Errorf("control: CONTROL message has unrecognised action %q", env.Action)
		}
		return env.Type, ControlMessage{Action: env.Action}, nil
	case TypeTransferReady, TypeTransferStarted, TypeTransferStarting, TypeDownloadComplete, TypeKeepAlive:
		return env.Type, nil, nil
	default:
		return env.Type, nil, fmt.Errorf("control: unrecognised message type %q", env.Type)
	}
}

// WriteMessage writes raw (one of the Encode* results) to w as a 4-byte
// little-endian length prefix followed by the JSON bytes, so control
// messages can share a byte-oriented stream with other traffic without
// relying on datagram boundaries.
func WriteMessage(w io.Writer, raw []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write length prefix: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("control: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message written by WriteMessage.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("control: message length %d exceeds MaxMessageSize", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("control: read message: %w", err)
	}
	return raw, nil
}
