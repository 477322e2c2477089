package manager

import "errors"

var (
	// ErrAlreadyReserved is returned by ReserveStream when id is already
	// allocated in some other state in the pool.
	ErrAlreadyReserved = errors.New("manager: stream already reserved or in use")

	// ErrUnknownReservation is returned by ReleaseReservedStream for an id
	// that was never reserved.
	ErrUnknownReservation = errors.New("manager: unknown reservation")
)
