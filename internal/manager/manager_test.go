package manager

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/silentspeaker/silentspeaker/internal/fec"
	"github.com/silentspeaker/silentspeaker/internal/scheduler"
	"github.com/silentspeaker/silentspeaker/internal/streampool"
	"github.com/silentspeaker/silentspeaker/internal/transport"
)

func newTestManager(maxStreams int, pendingTTL time.Duration, maxRetry int) *Manager {
	allocator := transport.NewStreamIDAllocator(true)
	pool := streampool.NewPool(maxStreams, allocator, time.Minute)
	sch := scheduler.NewScheduler(pool, time.Hour, time.Hour)
	return New(pool, sch, pendingTTL, maxRetry, nil)
}

func TestReserveStream_IdempotentAndExclusive(t *testing.T) {
	m := newTestManager(4, time.Minute, 3)

	if err := m.ReserveStream(42); err != nil {
		t.Fatalf("ReserveStream() error = %v", err)
	}
	if err := m.ReserveStream(42); err != nil {
		t.Fatalf("ReserveStream() should be idempotent, got %v", err)
	}

	alloc := m.AllocateStreamForNormalMessage([]byte("x"), scheduler.Low, time.Now())
	if alloc.Deferred {
		t.Fatal("allocation unexpectedly deferred")
	}
	if err := m.ReserveStream(alloc.StreamID); err == nil {
		t.Fatal("ReserveStream() on an in-use id should fail")
	}
}

func TestReleaseReservedStream_ReturnsToPool(t *testing.T) {
	m := newTestManager(1, time.Minute, 3)

	if err := m.ReserveStream(7); err != nil {
		t.Fatalf("ReserveStream() error = %v", err)
	}
	if err := m.ReleaseReservedStream(7); err != nil {
		t.Fatalf("ReleaseReservedStream() error = %v", err)
	}
	if alloc := m.AllocateStreamForNormalMessage([]byte("x"), scheduler.Low, time.Now()); alloc.Deferred {
		t.Fatal("allocation deferred after the reserved slot was released")
	}
	if err := m.ReleaseReservedStream(7); err == nil {
		t.Fatal("ReleaseReservedStream() on an already-released id should fail")
	}
}

func TestAllocateStreamForNormalMessage_DefersWhenSaturated(t *testing.T) {
	m := newTestManager(1, time.Minute, 3)
	now := time.Now()

	first := m.AllocateStreamForNormalMessage([]byte("a"), scheduler.Low, now)
	if first.Deferred {
		t.Fatal("first allocation should not be deferred")
	}

	second := m.AllocateStreamForNormalMessage([]byte("b"), scheduler.Low, now)
	if !second.Deferred {
		t.Fatal("second allocation should be deferred under saturation")
	}
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", m.PendingCount())
	}
}

func TestProcessPendingMessages_PreservesFIFOWithinPriority(t *testing.T) {
	m := newTestManager(1, time.Minute, 3)
	now := time.Now()

	m.AllocateStreamForNormalMessage([]byte("hold"), scheduler.Low, now)
	m.AllocateStreamForNormalMessage([]byte("first"), scheduler.Low, now)
	m.AllocateStreamForNormalMessage([]byte("second"), scheduler.Low, now)

	if m.PendingCount() != 2 {
		t.Fatalf("PendingCount() = %d, want 2", m.PendingCount())
	}

	allocated := m.ProcessPendingMessages(now)
	if len(allocated) != 0 {
		t.Fatalf("ProcessPendingMessages() allocated %d while pool stays saturated, want 0", len(allocated))
	}
	if m.PendingCount() != 2 {
		t.Fatalf("PendingCount() after retry = %d, want 2 (both retried, none dropped)", m.PendingCount())
	}
	q := m.pending[scheduler.Low]
	if string(q[0].Payload) != "first" || string(q[1].Payload) != "second" {
		t.Errorf("pending order = %q, %q, want first, second", q[0].Payload, q[1].Payload)
	}
}

func TestProcessPendingMessages_DropsExpiredAndOverRetried(t *testing.T) {
	m := newTestManager(1, 10*time.Millisecond, 3)
	start := time.Now()

	m.AllocateStreamForNormalMessage([]byte("hold"), scheduler.Low, start)
	m.AllocateStreamForNormalMessage([]byte("expires"), scheduler.Low, start)

	later := start.Add(20 * time.Millisecond)
	m.ProcessPendingMessages(later)

	if m.PendingCount() != 0 {
		t.Fatalf("PendingCount() after TTL expiry = %d, want 0", m.PendingCount())
	}

	r := newTestManager(1, time.Minute, 1)
	r.AllocateStreamForNormalMessage([]byte("hold"), scheduler.Low, start)
	r.AllocateStreamForNormalMessage([]byte("retried"), scheduler.Low, start)
	r.ProcessPendingMessages(start)
	r.ProcessPendingMessages(start)
	if r.PendingCount() != 0 {
		t.Fatalf("PendingCount() after exceeding retry count = %d, want 0", r.PendingCount())
	}
}

func TestProcessPendingMessages_AllocatesOnceSlotFrees(t *testing.T) {
	m := newTestManager(1, time.Minute, 3)
	now := time.Now()

	first := m.AllocateStreamForNormalMessage([]byte("hold"), scheduler.High, now)
	m.AllocateStreamForNormalMessage([]byte("waiting"), scheduler.High, now)

	if err := m.MarkFrameSent(first.StreamID); err != nil {
		t.Fatalf("MarkFrameSent() error = %v", err)
	}

	allocated := m.ProcessPendingMessages(now)
	if len(allocated) != 1 {
		t.Fatalf("ProcessPendingMessages() allocated %d, want 1", len(allocated))
	}
	if m.PendingCount() != 0 {
		t.Fatalf("PendingCount() after successful retry = %d, want 0", m.PendingCount())
	}
}

func TestAllocateStreamsForFEC_DelegatesToScheduler(t *testing.T) {
	m := newTestManager(4, time.Minute, 3)
	now := time.Now()

	sessionID := uuid.New()
	frames := []fec.Frame{
		{SessionID: sessionID, BlockIndex: 0},
		{SessionID: sessionID, BlockIndex: 1},
	}

	dispatched := m.AllocateStreamsForFEC(sessionID, frames, scheduler.High, now)
	if len(dispatched) != 2 {
		t.Fatalf("AllocateStreamsForFEC() dispatched %d, want 2", len(dispatched))
	}

	m.MarkSessionComplete(sessionID)
}
