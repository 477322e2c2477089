package scheduler

import "errors"

// ErrPoolSaturated names pool saturation at the scheduler level. TrySend
// does not return it: a task it cannot dispatch stays queued.
var ErrPoolSaturated = errors.New("scheduler: pool saturated")
