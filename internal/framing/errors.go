package framing

import "errors"

var (
	// ErrIncomplete is returned by Parse when the buffer does not yet hold
	// a full frame. It is not fatal: the caller should wait for more bytes
	// and retry without touching the generator or parser state.
	ErrIncomplete = errors.New("framing: incomplete frame")

	// ErrInvalidLength is returned when the de-obfuscated length field
	// exceeds maxFrameSize, or when a sealed frame would exceed it.
	ErrInvalidLength = errors.New("framing: invalid frame length")

	// ErrDecryptionFailed is returned when the AEAD tag does not verify,
	// or sequence-hint resynchronization exhausts its search window, or a
	// resync candidate straddles a ratchet boundary. Fatal to the stream.
	ErrDecryptionFailed = errors.New("framing: decryption failed")

	// ErrBufferFull is returned by StreamParser.Append when appending
	// would exceed the receive buffer's capacity. The buffer is left
	// untouched; only a fatal parse error clears it.
	ErrBufferFull = errors.New("framing: receive buffer full")

	// ErrEncryptionFailed is returned by Build on AEAD seal refusal.
	ErrEncryptionFailed = errors.New("framing: encryption failed")
)
