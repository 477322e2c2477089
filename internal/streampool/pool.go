// Package streampool implements the bounded stream pool: it hands out
// QUIC-legal stream identifiers under a per-connection cap, tracks which
// priority class each allocated slot currently serves, and preempts a
// least-recently-used low-priority slot when a high-priority acquisition
// would otherwise fail.
package streampool

import (
	"sync"
	"time"

	"github.com/silentspeaker/silentspeaker/internal/transport"
)

// SlotState is the mutually-exclusive state of one stream slot.
type SlotState int

const (
	Free SlotState = iota
	HighPriority
	LowPriority
	Closing
	// Reserved marks a slot set aside for a well-known control stream via
	// Pool.Reserve. Registering reservations with the pool itself (rather
	// than in a separate manager-level set) keeps every stream id's state
	// mutually exclusive across the whole pool.
	Reserved
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case HighPriority:
		return "high"
	case LowPriority:
		return "low"
	case Closing:
		return "closing"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Slot is one stream id's current allocation state.
type Slot struct {
	StreamID     uint64
	State        SlotState
	LastActivity time.Time
}

// DefaultIdleTimeout is how long a Free slot may sit unused before
// periodic cleanup closes it.
const DefaultIdleTimeout = 30 * time.Second

// Pool hands out stream ids up to maxStreams, recycling Free slots FIFO
// and preempting the least-recently-used Low slot for a High request
// once the cap is reached.
type Pool struct {
	mu          sync.Mutex
	maxStreams  int
	allocator   *transport.StreamIDAllocator
	idleTimeout time.Duration

	slots     map[uint64]*Slot
	freeOrder []uint64
}

// NewPool constructs a Pool bounded to maxStreams concurrently allocated
// stream ids, minting new ids from allocator. idleTimeout <= 0 uses
// DefaultIdleTimeout.
func NewPool(maxStreams int, allocator *transport.StreamIDAllocator, idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		maxStreams:  maxStreams,
		allocator:   allocator,
		idleTimeout: idleTimeout,
		slots:       make(map[uint64]*Slot),
	}
}

// Acquire hands out a slot for a High or Low priority task, in order: the
// oldest Free slot, a freshly minted id if under the cap, or the
// least-recently-active Low slot preempted to High (only when isHigh).
func (p *Pool) Acquire(isHigh bool) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeOrder) > 0 {
		id := p.freeOrder[0]
		p.freeOrder = p.freeOrder[1:]
		slot := p.slots[id]
		slot.State = priorityState(isHigh)
		slot.LastActivity = time.Now()
		return *slot, nil
	}

	if len(p.slots) < p.maxStreams {
		id := p.allocator.Next()
		slot := &Slot{StreamID: id, State: priorityState(isHigh), LastActivity: time.Now()}
		p.slots[id] = slot
		return *slot, nil
	}

	if isHigh {
		if lru := p.lruLowLocked(); lru != nil {
			lru.State = HighPriority
			lru.LastActivity = time.Now()
			return *lru, nil
		}
	}

	return Slot{}, ErrPoolSaturated
}

func priorityState(isHigh bool) SlotState {
	if isHigh {
		return HighPriority
	}
	return LowPriority
}

// lruLowLocked returns the Low slot with the smallest LastActivity, or
// nil if none exist. Caller must hold p.mu.
func (p *Pool) lruLowLocked() *Slot {
	var lru *Slot
	for _, slot := range p.slots {
		if slot.State != LowPriority {
			continue
		}
		if lru == nil || slot.LastActivity.Before(lru.LastActivity) {
			lru = slot
		}
	}
	return lru
}

// Release moves an allocated High/Low slot back to Free. Reserved and
// Closing slots cannot be released this way; use ReleaseReserved or Close.
func (p *Pool) Release(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[id]
	if !ok || slot.State == Reserved || slot.State == Closing {
		return ErrUnknownSlot
	}

	slot.State = Free
	slot.LastActivity = time.Now()
	p.freeOrder = append(p.freeOrder, id)
	return nil
}

// Close removes a slot from the pool entirely, regardless of state.
func (p *Pool) Close(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[id]; !ok {
		return ErrUnknownSlot
	}
	delete(p.slots, id)

	for i, fid := range p.freeOrder {
		if fid == id {
			p.freeOrder = append(p.freeOrder[:i], p.freeOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Reserve marks id as Reserved, minting a new slot for it if it doesn't
// already exist. It is idempotent on an id that is already Reserved, and
// fails if id is allocated in any other state.
func (p *Pool) Reserve(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.slots[id]; ok {
		if slot.State == Reserved {
			return nil
		}
		return ErrAlreadyReserved
	}

	p.slots[id] = &Slot{StreamID: id, State: Reserved, LastActivity: time.Now()}
	return nil
}

// ReleaseReserved removes a Reserved slot, returning it to the pool of
// mintable ids.
func (p *Pool) ReleaseReserved(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[id]
	if !ok || slot.State != Reserved {
		return ErrUnknownSlot
	}
	delete(p.slots, id)
	return nil
}

// CleanupIdle closes every Free slot whose LastActivity is older than the
// pool's idle timeout, returning the closed stream ids.
func (p *Pool) CleanupIdle(now time.Time) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closed []uint64
	kept := p.freeOrder[:0]
	for _, id := range p.freeOrder {
		slot := p.slots[id]
		if now.Sub(slot.LastActivity) > p.idleTimeout {
			delete(p.slots, id)
			closed = append(closed, id)
			continue
		}
		kept = append(kept, id)
	}
	p.freeOrder = kept
	return closed
}

// Slot returns a snapshot of the slot for id, if allocated.
func (p *Pool) Slot(id uint64) (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

// Len returns the number of currently allocated slots, including Reserved
// ones.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Occupancy returns how many of maxStreams are currently in use (any
// state other than Free).
func (p *Pool) Occupancy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := 0
	for _, slot := range p.slots {
		if slot.State != Free {
			used++
		}
	}
	return used
}
