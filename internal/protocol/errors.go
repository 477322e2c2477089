package protocol

import "errors"

var (
	// ErrInvalidFrame is returned when a Whisper or FecFrame buffer is
	// malformed or truncated.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrFrameTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("protocol: payload exceeds maximum size")

	// ErrUnknownOneof is returned when a Whisper's oneof discriminator
	// byte names neither Content nor FecPayload.
	ErrUnknownOneof = errors.New("protocol: unknown whisper payload kind")
)
