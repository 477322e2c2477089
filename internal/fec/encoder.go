package fec

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
)

const minBlockSize = 64

// Encoder fragments a message into k data shards plus m parity shards
// via Reed-Solomon over GF(2^8). An Encoder is safe for concurrent use;
// each Encode call is independent and deterministic given its input and
// session id.
type Encoder struct {
	k, m int
	rs   reedsolomon.Encoder
}

// NewEncoder constructs an Encoder for the given (k, m). Both must be
// positive and k+m must not exceed 256 shards, the limit the underlying
// Reed-Solomon codec supports.
func NewEncoder(k, m int) (*Encoder, error) {
	if k <= 0 || m <= 0 {
		return nil, ErrInvalidConfig
	}
	rs, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, ErrInvalidConfig
	}
	return &Encoder{k: k, m: m, rs: rs}, nil
}

// K returns the number of data shards this encoder splits input into.
func (e *Encoder) K() int { return e.k }

// M returns the number of parity shards this encoder generates.
func (e *Encoder) M() int { return e.m }

// ceilToMultiple rounds n up to the next multiple of unit.
func ceilToMultiple(n, unit int) int {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// Encode splits input into k original shards and m parity shards, each
// wrapped in a Frame tagged with a freshly assigned session id. Any
// k-subset of the returned frames suffices to reconstruct input.
func (e *Encoder) Encode(input []byte) ([]Frame, error) {
	sessionID := uuid.New()

	framed := make([]byte, 4+len(input))
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(input)))
	copy(framed[4:], input)

	blockSize := ceilToMultiple(ceilDiv(len(framed), e.k), 64)
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}

	shards := make([][]byte, e.k+e.m)
	for i := 0; i < e.k; i++ {
		shard := make([]byte, blockSize)
		start := i * blockSize
		if start < len(framed) {
			end := start + blockSize
			if end > len(framed) {
				end = len(framed)
			}
			copy(shard, framed[start:end])
		}
		shards[i] = shard
	}
	for i := e.k; i < e.k+e.m; i++ {
		shards[i] = make([]byte, blockSize)
	}

	if err := e.rs.Encode(shards); err != nil {
		return nil, ErrReconstructFailed
	}

	frames := make([]Frame, e.k+e.m)
	for i, shard := range shards {
		blockType := BlockOriginal
		if i >= e.k {
			blockType = BlockRedundant
		}
		frames[i] = newFrame(sessionID, uint32(i), uint32(e.k), uint32(e.m), shard, blockType)
	}

	return frames, nil
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}
