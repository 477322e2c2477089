// Package scheduler translates priority-tagged FEC and normal-message
// tasks into (stream_id, frame) dispatches against a stream pool,
// enforcing fairness through per-task wait-based promotion and a
// periodic whole-queue anti-starvation boost.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silentspeaker/silentspeaker/internal/fec"
	"github.com/silentspeaker/silentspeaker/internal/streampool"
)

// Priority mirrors the wire envelope's priority enum so scheduler queues
// and the Whisper message's priority field share one numbering.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// promote returns the next higher priority class: Low->Normal,
// Normal->High; High and Urgent are left unchanged.
func promote(p Priority) Priority {
	switch p {
	case Low:
		return Normal
	case Normal:
		return High
	default:
		return p
	}
}

// Kind distinguishes a plain-payload task from one carrying FEC shards.
type Kind int

const (
	KindNormal Kind = iota
	KindFEC
)

// Task is a unit of scheduling work. For KindFEC, Frames holds the FEC
// shards still awaiting a stream; for KindNormal, Payload holds the
// single message body still awaiting a stream (nil once dispatched).
type Task struct {
	Kind        Kind
	Priority    Priority
	SessionID   uuid.UUID
	Frames      []fec.Frame
	TotalFrames int
	Payload     []byte
	EnqueueTime time.Time
	RetryCount  int
}

// remaining reports how many dispatch units this task still needs.
func (t *Task) remaining() int {
	if t.Kind == KindFEC {
		return len(t.Frames)
	}
	if t.Payload != nil {
		return 1
	}
	return 0
}

// NewNormalTask creates a KindNormal task ready for Submit.
func NewNormalTask(payload []byte, priority Priority, now time.Time) *Task {
	return &Task{Kind: KindNormal, Priority: priority, Payload: payload, EnqueueTime: now}
}

// NewFECTask creates a KindFEC task carrying every shard of one session.
func NewFECTask(sessionID uuid.UUID, frames []fec.Frame, priority Priority, now time.Time) *Task {
	return &Task{
		Kind:        KindFEC,
		Priority:    priority,
		SessionID:   sessionID,
		Frames:      frames,
		TotalFrames: len(frames),
		EnqueueTime: now,
	}
}

// Dispatched is one (stream_id, frame) pair the scheduler emitted for a
// single TrySend call.
type Dispatched struct {
	StreamID  uint64
	Priority  Priority
	SessionID uuid.UUID
	FECFrame  *fec.Frame
	Payload   []byte
}

// ActiveSession tracks how many of an FEC session's frames have been
// dispatched and on which streams, so mark_session_complete can release
// every stream the session holds.
type ActiveSession struct {
	SessionID uuid.UUID
	Sent      int
	Total     int
	Streams   []uint64
	StartTime time.Time
}

// DefaultMaxWait is how long a task may sit in a queue before the
// dispatch loop promotes it to the next priority class.
const DefaultMaxWait = 10 * time.Second

// DefaultBoostInterval bounds how often the whole-queue anti-starvation
// boost runs.
const DefaultBoostInterval = 5 * time.Second

// Scheduler holds four FIFO priority queues and dispatches their tasks
// against a shared stream pool.
type Scheduler struct {
	mu            sync.Mutex
	pool          *streampool.Pool
	queues        [4][]*Task
	maxWait       time.Duration
	boostInterval time.Duration
	lastBoost     time.Time
	sessions      map[uuid.UUID]*ActiveSession
}

// NewScheduler constructs a Scheduler over pool. maxWait/boostInterval
// <= 0 fall back to the protocol defaults.
func NewScheduler(pool *streampool.Pool, maxWait, boostInterval time.Duration) *Scheduler {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if boostInterval <= 0 {
		boostInterval = DefaultBoostInterval
	}
	return &Scheduler{
		pool:          pool,
		maxWait:       maxWait,
		boostInterval: boostInterval,
		lastBoost:     time.Now(),
		sessions:      make(map[uuid.UUID]*ActiveSession),
	}
}

// Submit appends task to its priority's queue.
func (s *Scheduler) Submit(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[task.Priority] = append(s.queues[task.Priority], task)
}

// TrySend drains each priority queue, descending from Urgent to Low,
// promoting tasks that have waited past maxWait, greedily acquiring one
// stream per remaining dispatch unit, and re-enqueueing partially
// satisfied tasks at their current priority.
func (s *Scheduler) TrySend(now time.Time) []Dispatched {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeBoostLocked(now)

	var dispatched []Dispatched

	for p := Urgent; p >= Low; p-- {
		working := s.queues[p]
		s.queues[p] = nil

		var retained []*Task
		for _, task := range working {
			if now.Sub(task.EnqueueTime) > s.maxWait {
				newP := promote(p)
				task.EnqueueTime = now
				if newP != p {
					s.queues[newP] = append([]*Task{task}, s.queues[newP]...)
					continue
				}
			}

			isHigh := p == High || p == Urgent
			for task.remaining() > 0 {
				slot, err := s.pool.Acquire(isHigh)
				if err != nil {
					break
				}

				d := Dispatched{StreamID: slot.StreamID, Priority: p}
				if task.Kind == KindFEC {
					frame := task.Frames[0]
					task.Frames = task.Frames[1:]
					d.SessionID = frame.SessionID
					d.FECFrame = &frame
					s.recordSessionLocked(frame.SessionID, slot.StreamID, task.TotalFrames, now)
				} else {
					d.Payload = task.Payload
					task.Payload = nil
				}
				dispatched = append(dispatched, d)
			}

			if task.remaining() > 0 {
				retained = append(retained, task)
			}
		}
		s.queues[p] = append(s.queues[p], retained...)
	}

	return dispatched
}

func (s *Scheduler) recordSessionLocked(sessionID uuid.UUID, streamID uint64, total int, now time.Time) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &ActiveSession{SessionID: sessionID, Total: total, StartTime: now}
		s.sessions[sessionID] = sess
	}
	sess.Sent++
	sess.Streams = append(sess.Streams, streamID)
}

// maybeBoostLocked runs at most once per boostInterval: if the head of
// the Low or Normal queue has waited past maxWait, every task in that
// queue is promoted to the next higher class. Caller must hold s.mu.
func (s *Scheduler) maybeBoostLocked(now time.Time) {
	if now.Sub(s.lastBoost) < s.boostInterval {
		return
	}
	s.lastBoost = now

	for _, p := range [...]Priority{Low, Normal} {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		if now.Sub(q[0].EnqueueTime) <= s.maxWait {
			continue
		}
		newP := promote(p)
		for _, t := range q {
			t.EnqueueTime = now
		}
		s.queues[newP] = append(s.queues[newP], q...)
		s.queues[p] = nil
	}
}

// MarkSessionComplete releases every stream recorded for sessionID and
// forgets its ActiveSession.
func (s *Scheduler) MarkSessionComplete(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for _, streamID := range sess.Streams {
		_ = s.pool.Release(streamID)
	}
	delete(s.sessions, sessionID)
}

// MarkFrameSent releases a single stream, used when a stream-level FIN
// (rather than session completion) is the signal that it's free again.
func (s *Scheduler) MarkFrameSent(streamID uint64) error {
	return s.pool.Release(streamID)
}

// ActiveSession returns a snapshot of a session's dispatch bookkeeping.
func (s *Scheduler) ActiveSession(sessionID uuid.UUID) (ActiveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ActiveSession{}, false
	}
	return *sess, true
}

// QueueDepth returns the number of tasks currently queued at priority p.
func (s *Scheduler) QueueDepth(p Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[p])
}
