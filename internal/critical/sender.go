// Package critical implements the CriticalSender façade: the one piece of
// the core meant to be called from multiple goroutines at once, unlike the
// rest of the system which is owned by a single per-connection dispatch
// loop.
package critical

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silentspeaker/silentspeaker/internal/fec"
	"github.com/silentspeaker/silentspeaker/internal/manager"
	"github.com/silentspeaker/silentspeaker/internal/scheduler"
)

// Sender prepares FEC-encoded critical messages for dispatch across
// registered connections. A single Sender's encoder is shared by every
// connection; its registry of connections is protected by one RWMutex whose
// write path (Register/Unregister) only ever touches the map itself —
// encoding and stream allocation both happen outside the write lock.
type Sender struct {
	encoder *fec.Encoder

	mu          sync.RWMutex
	connections map[string]*manager.Manager
}

// NewSender builds a Sender around a shared FEC encoder.
func NewSender(encoder *fec.Encoder) *Sender {
	return &Sender{
		encoder:     encoder,
		connections: make(map[string]*manager.Manager),
	}
}

// RegisterConnection associates connID with the stream manager that should
// dispatch its critical messages. Re-registering an already-known connID is
// a no-op, matching the idempotent registration the façade promises callers
// that don't track connection state themselves.
func (s *Sender) RegisterConnection(connID string, mgr *manager.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[connID]; !ok {
		s.connections[connID] = mgr
	}
}

// UnregisterConnection removes connID, e.g. once its connection closes.
func (s *Sender) UnregisterConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connID)
}

// PrepareCriticalMessage FEC-encodes data and allocates a stream for every
// resulting shard via connID's registered manager, returning the session id
// and the scheduler's dispatch decisions ready for the caller to write to
// the wire. The encode runs before any lock is taken; the registry lookup
// holds only a read lock; the allocation itself runs against the manager's
// own locking, not the Sender's.
func (s *Sender) PrepareCriticalMessage(connID string, data []byte, priority scheduler.Priority, now time.Time) (uuid.UUID, []scheduler.Dispatched, error) {
	frames, err := s.encoder.Encode(data)
	if err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("critical: fec encode: %w", err)
	}
	sessionID := frames[0].SessionID

	mgr, err := s.managerFor(connID)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	return sessionID, mgr.AllocateStreamsForFEC(sessionID, frames, priority, now), nil
}

// MarkSessionComplete tells connID's manager that sessionID finished, either
// by successful reassembly on the far end or by being abandoned.
func (s *Sender) MarkSessionComplete(connID string, sessionID uuid.UUID) error {
	mgr, err := s.managerFor(connID)
	if err != nil {
		return err
	}
	mgr.MarkSessionComplete(sessionID)
	return nil
}

// MarkFrameSent releases a stream back to its pool once a shard write
// completes, mirroring the per-shard bookkeeping the original mark_frame_sent
// call performs.
func (s *Sender) MarkFrameSent(connID string, streamID uint64) error {
	mgr, err := s.managerFor(connID)
	if err != nil {
		return err
	}
	return mgr.MarkFrameSent(streamID)
}

// Connections returns the currently registered connection ids.
func (s *Sender) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

// FECParams reports the (k, m) shard geometry every encode call uses.
func (s *Sender) FECParams() (k, m int) {
	return s.encoder.K(), s.encoder.M()
}

func (s *Sender) managerFor(connID string) (*manager.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mgr, ok := s.connections[connID]
	if !ok {
		return nil, fmt.Errorf("critical: connection %q not registered", connID)
	}
	return mgr, nil
}
