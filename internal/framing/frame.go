// Package framing implements the dynamic framing engine: per-stream
// keystream derivation from a seed and a monotonic sequence counter,
// AEAD-sealed records with an obfuscated length field, optional inline
// sequence hints for resynchronization, and periodic in-band key
// ratcheting.
package framing

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Build encrypts payload under the generator's current salt and returns
// the wire frame. It advances the generator's sequence by exactly one.
// It fails with ErrEncryptionFailed if the AEAD or the ratchet entropy
// source fails, and with ErrInvalidLength if the ciphertext is longer
// than maxFrameSize.
func Build(gen *SaltGenerator, payload []byte, cfg Config) ([]byte, error) {
	s := gen.Sequence()
	salt := gen.salt(s)
	key, nonce, lenMask, hintMask := deriveKeys(salt)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrEncryptionFailed
	}

	ratchet := isRatchetFrame(cfg, s)
	var entropy []byte
	if ratchet {
		entropy = make([]byte, entropySize)
		if _, err := rand.Read(entropy); err != nil {
			return nil, ErrEncryptionFailed
		}
	}

	ciphertext := aead.Seal(nil, nonce[:], payload, nil)
	if len(ciphertext) > maxFrameSize {
		return nil, ErrInvalidLength
	}
	objLen := uint32(len(ciphertext)) ^ lenMask

	size := headerSize(cfg, ratchet) + len(ciphertext)
	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], objLen)
	offset += lengthFieldSize

	if cfg.EnableSequenceHint {
		hint := uint16(s&0xFFFF) ^ hintMask
		binary.BigEndian.PutUint16(buf[offset:], hint)
		offset += hintFieldSize
	}

	if ratchet {
		copy(buf[offset:], entropy)
		offset += entropySize
	}

	copy(buf[offset:], ciphertext)

	gen.commit(s+1, entropy)

	return buf, nil
}

// Parse attempts to decode one frame from the head of data using gen's
// current sequence as the expected frame sequence. On success it returns
// the decrypted payload and the number of bytes consumed, and commits the
// generator's sequence (and seed, for ratchet frames) exactly once. On
// ErrIncomplete the generator is left untouched so the caller can retry
// once more bytes have arrived; the length and ratchet predicate are
// derived from the length mask alone, never from opening the AEAD, so an
// Incomplete result never destructively advances state. Any other error
// is fatal: the caller should treat the stream as desynced.
func Parse(gen *SaltGenerator, data []byte, cfg Config) (payload []byte, consumed int, err error) {
	s0 := gen.Sequence()
	ratchetPredicted := isRatchetFrame(cfg, s0)
	minHeader := headerSize(cfg, ratchetPredicted)
	if len(data) < minHeader {
		return nil, 0, ErrIncomplete
	}

	seed := gen.Seed()
	key, nonce, lenMask, hintMask := deriveKeys(computeSalt(seed, s0))
	matchedSeq := s0

	if cfg.EnableSequenceHint {
		hint := binary.BigEndian.Uint16(data[lengthFieldSize:])
		expectedHint := uint16(s0&0xFFFF) ^ hintMask
		if hint != expectedHint {
			found := false
			for delta := uint64(1); delta < 1000; delta++ {
				cand := s0 + delta
				candSalt := computeSalt(seed, cand)
				candKey, candNonce, candLenMask, candHintMask := deriveKeys(candSalt)
				candHint := uint16(cand&0xFFFF) ^ candHintMask
				if candHint != hint {
					continue
				}
				if isRatchetFrame(cfg, cand) != ratchetPredicted {
					// A resync candidate that straddles a ratchet boundary
					// is unrecoverable: the missed entropy can't be
					// reconstructed, so the header layout we already
					// assumed (minHeader) would be wrong.
					return nil, 0, ErrDecryptionFailed
				}
				matchedSeq = cand
				key, nonce, lenMask = candKey, candNonce, candLenMask
				found = true
				break
			}
			if !found {
				return nil, 0, ErrDecryptionFailed
			}
		}
	}

	offset := lengthFieldSize
	if cfg.EnableSequenceHint {
		offset += hintFieldSize
	}

	var entropy []byte
	if ratchetPredicted {
		entropy = data[offset : offset+entropySize]
		offset += entropySize
	}

	objLen := binary.BigEndian.Uint32(data[0:lengthFieldSize])
	length := objLen ^ lenMask
	if length > maxFrameSize {
		return nil, 0, ErrInvalidLength
	}

	if len(data) < offset+int(length) {
		return nil, 0, ErrIncomplete
	}

	ciphertext := data[offset : offset+int(length)]
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}

	gen.commit(matchedSeq+1, entropy)

	return plaintext, offset + int(length), nil
}
