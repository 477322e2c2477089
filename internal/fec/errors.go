package fec

import "errors"

var (
	// ErrFrameCorrupt is returned when a shard's xxhash64 does not match
	// its contents, or its block_index is outside [0, k+m). The shard is
	// dropped; the session continues.
	ErrFrameCorrupt = errors.New("fec: frame corrupt")

	// ErrSessionTimeout is returned when a session has not collected k
	// shards within session_timeout of its first shard.
	ErrSessionTimeout = errors.New("fec: session timeout")

	// ErrInvalidConfig is returned at encoder construction when k == 0,
	// m == 0, or the underlying Reed-Solomon codec fails to initialize.
	ErrInvalidConfig = errors.New("fec: invalid encoder configuration")

	// ErrReconstructFailed is returned when the Reed-Solomon reconstruct
	// step fails despite having k shards (e.g. duplicate indices masking
	// a genuine gap).
	ErrReconstructFailed = errors.New("fec: reconstruction failed")

	// ErrLengthPrefixInvalid is returned when the recovered length prefix
	// exceeds the reconstructed buffer size.
	ErrLengthPrefixInvalid = errors.New("fec: recovered length prefix invalid")

	// ErrUnknownSession names a session id the reassembler holds no state
	// for. Process does not return it: a shard for an unknown or already
	// pruned session starts a new session.
	ErrUnknownSession = errors.New("fec: unknown session")
)
