// Package protocol implements the wire envelope the Framing Engine
// carries as its payload: a Whisper message wrapping either a plain
// text Content or a single FecFrame shard. The codec is a hand-rolled
// big-endian binary layout in the same style as the teacher's own
// internal wire frames, not machine-generated Protobuf bindings.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/silentspeaker/silentspeaker/internal/fec"
)

// MaxPayloadSize bounds a single Whisper's encoded size, matching the
// Dynamic Framing Engine's own frame ceiling.
const MaxPayloadSize = 10 * 1024 * 1024

const (
	whisperFixedHeaderSize = 16 + 8 + 1 + 1 // id + timestamp_ns + priority + oneof tag
	fecFrameFixedSize      = 16 + 4 + 4 + 4 + 4 + 8 + 1 + 4

	oneofContent    = 0
	oneofFecPayload = 1
)

// FecFrame is the wire form of one FEC shard. It mirrors fec.Frame
// field-for-field; FromFECFrame/ToFECFrame convert between them.
type FecFrame struct {
	SessionID  uuid.UUID
	BlockIndex uint32
	K          uint32
	M          uint32
	Payload    []byte
	XXHash64   uint64
	BlockType  fec.BlockType
	Version    uint32
}

// FromFECFrame converts an internal fec.Frame to its wire form.
func FromFECFrame(f fec.Frame) FecFrame {
	return FecFrame{
		SessionID:  f.SessionID,
		BlockIndex: f.BlockIndex,
		K:          f.K,
		M:          f.M,
		Payload:    f.Payload,
		XXHash64:   f.XXHash64,
		BlockType:  f.BlockType,
		Version:    f.Version,
	}
}

// ToFECFrame converts a wire FecFrame back to the internal fec.Frame
// representation so it can be fed to a Reassembler.
func (f FecFrame) ToFECFrame() fec.Frame {
	return fec.Frame{
		SessionID:  f.SessionID,
		BlockIndex: f.BlockIndex,
		K:          f.K,
		M:          f.M,
		Payload:    f.Payload,
		XXHash64:   f.XXHash64,
		BlockType:  f.BlockType,
		Version:    f.Version,
	}
}

// Encode serializes f to its wire form.
func (f FecFrame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, fecFrameFixedSize+len(f.Payload))
	offset := 0

	copy(buf[offset:], f.SessionID[:])
	offset += 16

	binary.BigEndian.PutUint32(buf[offset:], f.BlockIndex)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], f.K)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], f.M)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:], f.Payload)
	offset += len(f.Payload)

	binary.BigEndian.PutUint64(buf[offset:], f.XXHash64)
	offset += 8
	buf[offset] = byte(f.BlockType)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], f.Version)

	return buf, nil
}

// DecodeFecFrame deserializes a FecFrame from buf, returning the number
// of bytes consumed.
func DecodeFecFrame(buf []byte) (FecFrame, int, error) {
	if len(buf) < fecFrameFixedSize {
		return FecFrame{}, 0, fmt.Errorf("%w: fec frame header too short", ErrInvalidFrame)
	}

	var f FecFrame
	offset := 0

	copy(f.SessionID[:], buf[offset:offset+16])
	offset += 16

	f.BlockIndex = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	f.K = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	f.M = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	payloadLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	if payloadLen > MaxPayloadSize {
		return FecFrame{}, 0, ErrFrameTooLarge
	}
	if len(buf) < offset+int(payloadLen)+8+1+4 {
		return FecFrame{}, 0, fmt.Errorf("%w: fec frame body truncated", ErrInvalidFrame)
	}

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, buf[offset:offset+int(payloadLen)])
	offset += int(payloadLen)

	f.XXHash64 = binary.BigEndian.Uint64(buf[offset:])
	offset += 8
	f.BlockType = fec.BlockType(buf[offset])
	offset++
	f.Version = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	return f, offset, nil
}

// FecWhisper wraps the single FEC shard a Whisper carries when its
// oneof selects FecPayload over Content.
type FecWhisper struct {
	FecFrame FecFrame
}

// Whisper is the application-level message the Framing Engine's Build
// and Parse carry as payload. Exactly one of Content or FecPayload is
// populated, selected by IsFEC.
type Whisper struct {
	ID          uuid.UUID
	TimestampNs uint64
	Priority    Priority
	IsFEC       bool
	Content     string
	FecPayload  FecWhisper
}

// NewContentWhisper builds a Whisper carrying a plain text message.
func NewContentWhisper(content string, priority Priority, timestampNs uint64) Whisper {
	return Whisper{ID: uuid.New(), TimestampNs: timestampNs, Priority: priority, Content: content}
}

// NewFecWhisper builds a Whisper carrying a single FEC shard.
func NewFecWhisper(frame fec.Frame, priority Priority, timestampNs uint64) Whisper {
	return Whisper{
		ID:          uuid.New(),
		TimestampNs: timestampNs,
		Priority:    priority,
		IsFEC:       true,
		FecPayload:  FecWhisper{FecFrame: FromFECFrame(frame)},
	}
}

// Encode serializes w to its wire form.
func (w Whisper) Encode() ([]byte, error) {
	if w.IsFEC {
		fecBuf, err := w.FecPayload.FecFrame.Encode()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, whisperFixedHeaderSize+len(fecBuf))
		w.encodeHeader(buf, oneofFecPayload)
		copy(buf[whisperFixedHeaderSize:], fecBuf)
		return buf, nil
	}

	if len(w.Content) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, whisperFixedHeaderSize+4+len(w.Content))
	w.encodeHeader(buf, oneofContent)
	binary.BigEndian.PutUint32(buf[whisperFixedHeaderSize:], uint32(len(w.Content)))
	copy(buf[whisperFixedHeaderSize+4:], w.Content)
	return buf, nil
}

func (w Whisper) encodeHeader(buf []byte, oneofTag byte) {
	offset := 0
	copy(buf[offset:], w.ID[:])
	offset += 16
	binary.BigEndian.PutUint64(buf[offset:], w.TimestampNs)
	offset += 8
	buf[offset] = byte(w.Priority)
	offset++
	buf[offset] = oneofTag
}

// Decode deserializes a Whisper from buf, returning the number of bytes
// consumed.
func Decode(buf []byte) (Whisper, int, error) {
	if len(buf) < whisperFixedHeaderSize {
		return Whisper{}, 0, fmt.Errorf("%w: whisper header too short", ErrInvalidFrame)
	}

	var w Whisper
	offset := 0

	copy(w.ID[:], buf[offset:offset+16])
	offset += 16
	w.TimestampNs = binary.BigEndian.Uint64(buf[offset:])
	offset += 8
	w.Priority = Priority(buf[offset])
	offset++
	oneofTag := buf[offset]
	offset++

	switch oneofTag {
	case oneofContent:
		if len(buf) < offset+4 {
			return Whisper{}, 0, fmt.Errorf("%w: whisper content length truncated", ErrInvalidFrame)
		}
		contentLen := binary.BigEndian.Uint32(buf[offset:])
		offset += 4
		if contentLen > MaxPayloadSize || len(buf) < offset+int(contentLen) {
			return Whisper{}, 0, fmt.Errorf("%w: whisper content truncated", ErrInvalidFrame)
		}
		w.Content = string(buf[offset : offset+int(contentLen)])
		offset += int(contentLen)
	case oneofFecPayload:
		fecFrame, consumed, err := DecodeFecFrame(buf[offset:])
		if err != nil {
			return Whisper{}, 0, err
		}
		w.IsFEC = true
		w.FecPayload = FecWhisper{FecFrame: fecFrame}
		offset += consumed
	default:
		return Whisper{}, 0, fmt.Errorf("%w: tag %d", ErrUnknownOneof, oneofTag)
	}

	return w, offset, nil
}

// String returns a debug representation of the Whisper.
func (w Whisper) String() string {
	if w.IsFEC {
		return fmt.Sprintf("Whisper{ID=%s, Priority=%s, FecFrame block_index=%d}", w.ID, w.Priority, w.FecPayload.FecFrame.BlockIndex)
	}
	return fmt.Sprintf("Whisper{ID=%s, Priority=%s, ContentLen=%d}", w.ID, w.Priority, len(w.Content))
}
