package registry

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
)

// MemoryStore keeps sessions in process memory behind a mutex. State does
// not survive restarts and is not shared across instances; multi-instance
// deployments must use the redis store instead.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.CallSession
	pending  map[string]map[string]struct{} // receiverID -> set of ringing call IDs
	pairs    map[string]string              // "caller:receiver" -> live call ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.CallSession),
		pending:  make(map[string]map[string]struct{}),
		pairs:    make(map[string]string),
	}
}

func pairKey(callerID, receiverID string) string {
	return callerID + ":" + receiverID
}

func (s *MemoryStore) Insert(ctx context.Context, sess *model.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey(sess.CallerID, sess.ReceiverID)
	if existing, ok := s.pairs[pk]; ok {
		return apperrors.CallInProgress(existing)
	}

	s.sessions[sess.CallID] = sess.Clone()
	s.pairs[pk] = sess.CallID

	if s.pending[sess.ReceiverID] == nil {
		s.pending[sess.ReceiverID] = make(map[string]struct{})
	}
	s.pending[sess.ReceiverID][sess.CallID] = struct{}{}

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return nil, apperrors.NotFound("Call")
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, callID string, fn UpdateFunc) (*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return nil, apperrors.NotFound("Call")
	}

	updated := sess.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	s.sessions[callID] = updated

	if updated.Status != model.CallStatusRinging {
		if set := s.pending[updated.ReceiverID]; set != nil {
			delete(set, callID)
			if len(set) == 0 {
				delete(s.pending, updated.ReceiverID)
			}
		}
	}
	if updated.Terminal() {
		delete(s.pairs, pairKey(updated.CallerID, updated.ReceiverID))
	}

	return updated.Clone(), nil
}

func (s *MemoryStore) ListPendingFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.CallSession
	for callID := range s.pending[userID] {
		if sess, ok := s.sessions[callID]; ok && sess.Status == model.CallStatusRinging {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLiveFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.CallSession
	for _, sess := range s.sessions {
		if sess.Terminal() {
			continue
		}
		if sess.CallerID == userID || sess.ReceiverID == userID {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) SweepTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for callID, sess := range s.sessions {
		if sess.Terminal() && sess.TerminalAt != nil && sess.TerminalAt.Before(cutoff) {
			delete(s.sessions, callID)
			removed++
		}
	}
	return removed, nil
}
