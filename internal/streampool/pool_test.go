package streampool

import (
	"testing"
	"time"

	"github.com/silentspeaker/silentspeaker/internal/transport"
)

func newTestPool(maxStreams int) *Pool {
	allocator := transport.NewStreamIDAllocator(true)
	return NewPool(maxStreams, allocator, time.Minute)
}

func TestAcquire_MintsNewSlotsUnderCap(t *testing.T) {
	p := newTestPool(4)

	s1, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s2, err := p.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if s1.StreamID == s2.StreamID {
		t.Fatal("two acquisitions returned the same stream id")
	}
	if s1.State != LowPriority {
		t.Errorf("s1.State = %v, want LowPriority", s1.State)
	}
	if s2.State != HighPriority {
		t.Errorf("s2.State = %v, want HighPriority", s2.State)
	}
}

func TestAcquire_SaturatedWithoutPreemption(t *testing.T) {
	p := newTestPool(1)

	if _, err := p.Acquire(false); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, err := p.Acquire(false)
	if err != ErrPoolSaturated {
		t.Fatalf("Acquire() error = %v, want ErrPoolSaturated", err)
	}
}

func TestAcquire_PreemptsLRULowSlot(t *testing.T) {
	p := newTestPool(2)

	low1, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	low2, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	high, err := p.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire() error = %v, want preemption success", err)
	}

	if high.StreamID != low1.StreamID {
		t.Errorf("preempted stream id = %d, want the older Low slot %d (not %d)", high.StreamID, low1.StreamID, low2.StreamID)
	}
	if high.State != HighPriority {
		t.Errorf("preempted slot state = %v, want HighPriority", high.State)
	}
}

func TestReleaseThenReacquire_ReusesSlotFIFO(t *testing.T) {
	p := newTestPool(4)

	s1, _ := p.Acquire(false)
	s2, _ := p.Acquire(false)

	if err := p.Release(s1.StreamID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := p.Release(s2.StreamID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	reused, err := p.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if reused.StreamID != s1.StreamID {
		t.Errorf("reacquired stream id = %d, want FIFO head %d", reused.StreamID, s1.StreamID)
	}
}

func TestReserve_IdempotentAndExclusive(t *testing.T) {
	p := newTestPool(4)

	if err := p.Reserve(100); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := p.Reserve(100); err != nil {
		t.Fatalf("Reserve() should be idempotent, got error = %v", err)
	}

	acquired, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Reserve(acquired.StreamID); err != ErrAlreadyReserved {
		t.Fatalf("Reserve() on an allocated id error = %v, want ErrAlreadyReserved", err)
	}
}

func TestReleaseReserved_ReturnsToPool(t *testing.T) {
	p := newTestPool(4)

	if err := p.Reserve(200); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := p.ReleaseReserved(200); err != nil {
		t.Fatalf("ReleaseReserved() error = %v", err)
	}

	if _, ok := p.Slot(200); ok {
		t.Error("slot 200 still tracked after ReleaseReserved")
	}
}

func TestCleanupIdle_ClosesStaleFreeSlots(t *testing.T) {
	allocator := transport.NewStreamIDAllocator(true)
	p := NewPool(4, allocator, 5*time.Millisecond)

	s, _ := p.Acquire(false)
	if err := p.Release(s.StreamID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	closed := p.CleanupIdle(time.Now().Add(10 * time.Millisecond))
	if len(closed) != 1 || closed[0] != s.StreamID {
		t.Fatalf("CleanupIdle() = %v, want [%d]", closed, s.StreamID)
	}
	if _, ok := p.Slot(s.StreamID); ok {
		t.Error("slot still tracked after CleanupIdle closed it")
	}
}

func TestSlotExclusivity(t *testing.T) {
	p := newTestPool(3)

	acquired := make(map[uint64]SlotState)
	for i := 0; i < 3; i++ {
		s, err := p.Acquire(i%2 == 0)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if prev, ok := acquired[s.StreamID]; ok {
			t.Fatalf("stream id %d allocated twice (was %v)", s.StreamID, prev)
		}
		acquired[s.StreamID] = s.State
	}

	for id, state := range acquired {
		slot, ok := p.Slot(id)
		if !ok {
			t.Fatalf("slot %d missing from pool", id)
		}
		if slot.State != state {
			t.Errorf("slot %d state = %v, want %v", id, slot.State, state)
		}
		if state != HighPriority && state != LowPriority {
			t.Errorf("slot %d in unexpected state %v", id, state)
		}
	}
}
