// Package manager implements the Unified Stream Manager: a single
// application-facing façade combining the stream pool, the scheduler,
// a control-stream reservation set, and a FIFO-per-priority queue for
// normal messages that could not be dispatched immediately.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silentspeaker/silentspeaker/internal/fec"
	"github.com/silentspeaker/silentspeaker/internal/logging"
	"github.com/silentspeaker/silentspeaker/internal/scheduler"
	"github.com/silentspeaker/silentspeaker/internal/streampool"
)

// DefaultPendingTTL is how long a normal message may sit in the pending
// queue before process_pending_messages discards it.
const DefaultPendingTTL = 30 * time.Second

// DefaultMaxRetryCount bounds how many times process_pending_messages
// retries a normal message before giving up on it.
const DefaultMaxRetryCount = 3

// PendingMessage is a normal-message payload that failed its first
// allocation attempt and is waiting for a free slot.
type PendingMessage struct {
	Payload     []byte
	Priority    scheduler.Priority
	EnqueueTime time.Time
	RetryCount  int
}

// Allocation is the result of a successful or deferred normal-message
// allocation attempt.
type Allocation struct {
	StreamID uint64
	Payload  []byte
	Deferred bool
}

// Manager is the application-facing façade over a pool and scheduler.
type Manager struct {
	mu  sync.Mutex
	pool *streampool.Pool
	sch  *scheduler.Scheduler

	pendingTTL    time.Duration
	maxRetryCount int

	// pending is a FIFO-per-priority queue: arrival order within a
	// priority class is preserved, unlike a front/back split that
	// inverts arrival order for promoted priorities.
	pending [4][]*PendingMessage

	log *slog.Logger
}

// New constructs a Manager over pool and sch. pendingTTL/maxRetryCount
// <= 0 fall back to the protocol defaults.
func New(pool *streampool.Pool, sch *scheduler.Scheduler, pendingTTL time.Duration, maxRetryCount int, log *slog.Logger) *Manager {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	if maxRetryCount <= 0 {
		maxRetryCount = DefaultMaxRetryCount
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{
		pool:          pool,
		sch:           sch,
		pendingTTL:    pendingTTL,
		maxRetryCount: maxRetryCount,
		log:           log,
	}
}

// ReserveStream marks id reserved for a well-known control stream.
// Idempotent on an id already reserved; fails if id is allocated in any
// other pool state.
func (m *Manager) ReserveStream(id uint64) error {
	if err := m.pool.Reserve(id); err != nil {
		return fmt.Errorf("manager: reserve stream %d: %w", id, ErrAlreadyReserved)
	}
	return nil
}

// ReleaseReservedStream removes id from the reservation set and returns
// its slot to the pool.
func (m *Manager) ReleaseReservedStream(id uint64) error {
	if err := m.pool.ReleaseReserved(id); err != nil {
		return fmt.Errorf("manager: release reservation %d: %w", id, ErrUnknownReservation)
	}
	return nil
}

// AllocateStreamForNormalMessage attempts to acquire one non-reserved
// slot for payload. On success it returns the allocated stream id; on
// failure it enqueues payload onto the FIFO for its priority and
// reports Deferred.
func (m *Manager) AllocateStreamForNormalMessage(payload []byte, priority scheduler.Priority, now time.Time) Allocation {
	isHigh := priority == scheduler.High || priority == scheduler.Urgent
	slot, err := m.pool.Acquire(isHigh)
	if err == nil {
		return Allocation{StreamID: slot.StreamID, Payload: payload}
	}

	m.mu.Lock()
	m.pending[priority] = append(m.pending[priority], &PendingMessage{
		Payload:     payload,
		Priority:    priority,
		EnqueueTime: now,
	})
	m.mu.Unlock()

	m.log.Debug("normal message deferred", logging.KeyPriority, priority.String())
	return Allocation{Payload: payload, Deferred: true}
}

// AllocateStreamsForFEC submits a Task for session_id's frames to the
// scheduler and immediately attempts a dispatch round, returning
// whatever the scheduler managed to dispatch.
func (m *Manager) AllocateStreamsForFEC(sessionID uuid.UUID, frames []fec.Frame, priority scheduler.Priority, now time.Time) []scheduler.Dispatched {
	m.sch.Submit(scheduler.NewFECTask(sessionID, frames, priority, now))
	return m.sch.TrySend(now)
}

// ProcessPendingMessages walks the normal-message queue, discarding
// entries past pendingTTL or maxRetryCount, and retrying the rest
// against the pool. It returns the allocations that succeeded this
// round.
func (m *Manager) ProcessPendingMessages(now time.Time) []Allocation {
	m.mu.Lock()
	working := m.pending
	m.pending = [4][]*PendingMessage{}
	m.mu.Unlock()

	var allocations []Allocation
	var stillPending [4][]*PendingMessage

	for p := scheduler.Urgent; p >= scheduler.Low; p-- {
		for _, msg := range working[p] {
			if now.Sub(msg.EnqueueTime) > m.pendingTTL {
				m.log.Debug("pending message expired", logging.KeyPriority, p.String())
				continue
			}
			if msg.RetryCount >= m.maxRetryCount {
				m.log.Debug("pending message exceeded retry count", logging.KeyPriority, p.String())
				continue
			}

			isHigh := p == scheduler.High || p == scheduler.Urgent
			slot, err := m.pool.Acquire(isHigh)
			if err != nil {
				msg.RetryCount++
				stillPending[p] = append(stillPending[p], msg)
				continue
			}
			allocations = append(allocations, Allocation{StreamID: slot.StreamID, Payload: msg.Payload})
		}
	}

	m.mu.Lock()
	m.pending = stillPending
	m.mu.Unlock()

	return allocations
}

// MarkSessionComplete forwards to the scheduler, releasing every stream
// an FEC session held.
func (m *Manager) MarkSessionComplete(sessionID uuid.UUID) {
	m.sch.MarkSessionComplete(sessionID)
}

// MarkFrameSent forwards to the scheduler, releasing a single stream.
func (m *Manager) MarkFrameSent(streamID uint64) error {
	return m.sch.MarkFrameSent(streamID)
}

// PendingCount returns the number of normal messages currently queued
// across every priority.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.pending {
		total += len(q)
	}
	return total
}
