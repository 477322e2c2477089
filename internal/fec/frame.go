// Package fec implements the Reed-Solomon forward-error-correction layer:
// an Encoder that fragments a message into k data shards plus m parity
// shards, and a Reassembler that recovers the original payload from any
// surviving k-of-(k+m) shards.
package fec

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// BlockType distinguishes an FEC shard carrying original data from one
// carrying Reed-Solomon parity.
type BlockType uint8

const (
	BlockOriginal BlockType = iota
	BlockRedundant
)

// frameVersion is the only wire version this encoder produces.
const frameVersion uint32 = 1

// Frame is one shard of an FEC session: either an original data block or
// a parity block, self-describing enough for a reassembler to validate
// and place it without any other context.
type Frame struct {
	SessionID  uuid.UUID
	BlockIndex uint32
	K          uint32
	M          uint32
	Payload    []byte
	XXHash64   uint64
	BlockType  BlockType
	Version    uint32
}

// computeHash returns the xxhash64 over the canonical concatenation of
// every field except the hash itself: session_id || block_index || k || m
// || payload || block_type.
func computeHash(sessionID uuid.UUID, blockIndex, k, m uint32, payload []byte, blockType BlockType) uint64 {
	var header [4 * 3]byte
	binary.BigEndian.PutUint32(header[0:4], blockIndex)
	binary.BigEndian.PutUint32(header[4:8], k)
	binary.BigEndian.PutUint32(header[8:12], m)

	digest := xxhash.New()
	digest.Write(sessionID[:])
	digest.Write(header[:])
	digest.Write(payload)
	digest.Write([]byte{byte(blockType)})
	return digest.Sum64()
}

// newFrame builds a Frame with its hash populated.
func newFrame(sessionID uuid.UUID, blockIndex, k, m uint32, payload []byte, blockType BlockType) Frame {
	return Frame{
		SessionID:  sessionID,
		BlockIndex: blockIndex,
		K:          k,
		M:          m,
		Payload:    payload,
		XXHash64:   computeHash(sessionID, blockIndex, k, m, payload, blockType),
		BlockType:  blockType,
		Version:    frameVersion,
	}
}

// Verify reports whether the frame's xxhash64 matches its contents and its
// block_index falls within [0, k+m).
func (f Frame) Verify() bool {
	if f.BlockIndex >= f.K+f.M {
		return false
	}
	return f.XXHash64 == computeHash(f.SessionID, f.BlockIndex, f.K, f.M, f.Payload, f.BlockType)
}

// RecoveredMessage is the payload a Reassembler emits once a session
// decodes successfully.
type RecoveredMessage struct {
	SessionID   uuid.UUID
	Payload     []byte
	BlocksUsed  int
	BlocksTotal int
}
