package fec

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
)

// SessionState is the receive-side lifecycle of one FEC session.
type SessionState int

const (
	StateCollecting SessionState = iota
	StateDecoding
	StateCompleted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateDecoding:
		return "decoding"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type session struct {
	k, m        int
	blocks      map[uint32][]byte
	received    []uint32 // arrival order, used by MissingIndices
	state       SessionState
	startTime   time.Time
	recovered   *RecoveredMessage
	recoveredAt time.Time
}

func newSession(k, m int, now time.Time) *session {
	return &session{
		k:         k,
		m:         m,
		blocks:    make(map[uint32][]byte),
		state:     StateCollecting,
		startTime: now,
	}
}

// missingIndices reports which of the k+m block indices have not yet
// arrived, checking every index in [0, k+m).
func (s *session) missingIndices() []uint32 {
	have := make(map[uint32]bool, len(s.received))
	for _, idx := range s.received {
		have[idx] = true
	}
	var missing []uint32
	for i := uint32(0); i < uint32(s.k+s.m); i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Stats summarizes reassembler activity since construction.
type Stats struct {
	TotalSessions       uint64
	SuccessfulRecoveries uint64
	FailedRecoveries     uint64
	PendingSessions      uint64
	// MeanRecoveryTime is an exponentially smoothed mean (alpha = 0.1) of
	// the wall-clock time from a session's first shard to its recovery.
	MeanRecoveryTime time.Duration
}

// Reassembler reconstructs original payloads from FEC shards, tracking
// one session per distinct session_id with bounded memory: sessions are
// pruned after cleanup_timeout once Completed or Failed.
type Reassembler struct {
	mu              sync.Mutex
	sessions        map[uuid.UUID]*session
	sessionTimeout  time.Duration
	cleanupTimeout  time.Duration
	alpha           float64
	meanRecoveryNs  float64
	haveMean        bool
	totalSessions   uint64
	successes       uint64
	failures        uint64
}

// DefaultSessionTimeout bounds how long a session may collect shards
// before it is declared Failed.
const DefaultSessionTimeout = 30 * time.Second

// DefaultCleanupTimeout retains Completed/Failed sessions to suppress
// late duplicate shards before they are pruned.
const DefaultCleanupTimeout = 300 * time.Second

// NewReassembler constructs a Reassembler with the given timeouts. Zero
// values fall back to the protocol defaults.
func NewReassembler(sessionTimeout, cleanupTimeout time.Duration) *Reassembler {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	if cleanupTimeout <= 0 {
		cleanupTimeout = DefaultCleanupTimeout
	}
	return &Reassembler{
		sessions:       make(map[uuid.UUID]*session),
		sessionTimeout: sessionTimeout,
		cleanupTimeout: cleanupTimeout,
		alpha:          0.1,
	}
}

// Process feeds one shard into the reassembler. now is passed in rather
// than read from the clock so callers can drive the session state machine
// deterministically in tests. It returns a RecoveredMessage exactly once
// per session, on the call that completes decoding; subsequent shards of
// a Completed session are accepted silently (nil, nil).
func (r *Reassembler) Process(frame Frame, now time.Time) (*RecoveredMessage, error) {
	if !frame.Verify() {
		return nil, ErrFrameCorrupt
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cleanupLocked(now)

	sess, ok := r.sessions[frame.SessionID]
	if !ok {
		sess = newSession(int(frame.K), int(frame.M), now)
		r.sessions[frame.SessionID] = sess
		r.totalSessions++
	}

	switch sess.state {
	case StateCompleted, StateFailed:
		// Late duplicate; no-op until cleanup prunes the session.
		return nil, nil
	}

	if now.Sub(sess.startTime) > r.sessionTimeout {
		sess.state = StateFailed
		r.failures++
		return nil, ErrSessionTimeout
	}

	if _, dup := sess.blocks[frame.BlockIndex]; dup {
		return nil, nil
	}

	sess.blocks[frame.BlockIndex] = frame.Payload
	sess.received = append(sess.received, frame.BlockIndex)

	if len(sess.blocks) < sess.k {
		return nil, nil
	}

	sess.state = StateDecoding
	msg, err := r.decode(frame.SessionID, sess)
	if err != nil {
		if now.Sub(sess.startTime) > r.sessionTimeout {
			sess.state = StateFailed
			r.failures++
			return nil, ErrSessionTimeout
		}
		sess.state = StateCollecting
		return nil, err
	}

	sess.state = StateCompleted
	sess.recovered = msg
	sess.recoveredAt = now
	r.successes++
	r.updateMeanRecovery(now.Sub(sess.startTime))

	return msg, nil
}

func (r *Reassembler) decode(sessionID uuid.UUID, sess *session) (*RecoveredMessage, error) {
	rs, err := reedsolomon.New(sess.k, sess.m)
	if err != nil {
		return nil, ErrReconstructFailed
	}

	shards := make([][]byte, sess.k+sess.m)
	for idx, b := range sess.blocks {
		shards[idx] = b
	}

	if err := rs.Reconstruct(shards); err != nil {
		return nil, ErrReconstructFailed
	}

	framed := make([]byte, 0, sess.k*len(shards[0]))
	for i := 0; i < sess.k; i++ {
		framed = append(framed, shards[i]...)
	}

	if len(framed) < 4 {
		return nil, ErrLengthPrefixInvalid
	}
	length := binary.LittleEndian.Uint32(framed[0:4])
	if int(length) > len(framed)-4 {
		return nil, ErrLengthPrefixInvalid
	}

	payload := make([]byte, length)
	copy(payload, framed[4:4+length])

	return &RecoveredMessage{
		SessionID:   sessionID,
		Payload:     payload,
		BlocksUsed:  len(sess.blocks),
		BlocksTotal: sess.k + sess.m,
	}, nil
}

func (r *Reassembler) updateMeanRecovery(d time.Duration) {
	if !r.haveMean {
		r.meanRecoveryNs = float64(d)
		r.haveMean = true
		return
	}
	r.meanRecoveryNs = r.alpha*float64(d) + (1-r.alpha)*r.meanRecoveryNs
}

// cleanupLocked prunes Completed/Failed sessions older than cleanupTimeout.
// Called opportunistically at the start of every Process call.
func (r *Reassembler) cleanupLocked(now time.Time) {
	for id, sess := range r.sessions {
		switch sess.state {
		case StateCompleted:
			if now.Sub(sess.recoveredAt) > r.cleanupTimeout {
				delete(r.sessions, id)
			}
		case StateFailed:
			if now.Sub(sess.startTime) > r.cleanupTimeout {
				delete(r.sessions, id)
			}
		}
	}
}

// Stats returns a snapshot of reassembler activity.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending uint64
	for _, sess := range r.sessions {
		if sess.state == StateCollecting || sess.state == StateDecoding {
			pending++
		}
	}

	return Stats{
		TotalSessions:        r.totalSessions,
		SuccessfulRecoveries: r.successes,
		FailedRecoveries:     r.failures,
		PendingSessions:      pending,
		MeanRecoveryTime:     time.Duration(r.meanRecoveryNs),
	}
}

// MissingIndices reports, for a still-pending session, which block
// indices have not yet arrived. It returns false if the session is
// unknown or already resolved.
func (r *Reassembler) MissingIndices(sessionID uuid.UUID) ([]uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok || sess.state == StateCompleted || sess.state == StateFailed {
		return nil, false
	}
	return sess.missingIndices(), true
}
