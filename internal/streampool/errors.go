package streampool

import "errors"

var (
	// ErrPoolSaturated is returned by Acquire when no free, new, or
	// preemptable slot is available.
	ErrPoolSaturated = errors.New("streampool: pool saturated")

	// ErrUnknownSlot is returned by operations on a stream id the pool
	// never allocated.
	ErrUnknownSlot = errors.New("streampool: unknown slot")

	// ErrAlreadyReserved is returned by Reserve when the stream id is
	// already allocated in a state other than Reserved; reserving an id
	// that is already Reserved succeeds.
	ErrAlreadyReserved = errors.New("streampool: already reserved")
)
