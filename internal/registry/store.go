package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/gramsetu/signal-server-go/internal/model"
)

// UpdateFunc mutates a session inside an atomic read-modify-write. Returning
// an error aborts the update and the error is surfaced unchanged to the
// caller, so state machine checks inside the closure are effectively
// compare-and-set regardless of the backing store.
type UpdateFunc func(sess *model.CallSession) error

// Store is the pluggable backing store for call sessions. The in-memory
// implementation covers single-process deployments; the redis implementation
// preserves the transition invariants across multiple stateless instances.
type Store interface {
	// Insert stores a new session and enforces the one-live-call-per-pair
	// rule: if a ringing or active session already exists for the same
	// ordered (caller, receiver) pair, it fails with CallInProgress.
	Insert(ctx context.Context, sess *model.CallSession) error

	// Get returns a copy of the session or NotFound.
	Get(ctx context.Context, callID string) (*model.CallSession, error)

	// Update applies fn atomically and persists the result. Sessions that
	// reach a terminal state inside fn are unindexed from the pending and
	// pair indexes and scheduled for removal after the grace window.
	Update(ctx context.Context, callID string, fn UpdateFunc) (*model.CallSession, error)

	// ListPendingFor returns all ringing sessions addressed to userID.
	ListPendingFor(ctx context.Context, userID string) ([]*model.CallSession, error)

	// ListLiveFor returns all non-terminal sessions in which userID
	// participates on either side, used to force-end calls on disconnect.
	ListLiveFor(ctx context.Context, userID string) ([]*model.CallSession, error)

	// SweepTerminal removes sessions that reached a terminal state before
	// the cutoff. Stores with native expiry may implement this as a no-op.
	SweepTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewCallID derives an identifier from the participant pair and creation
// time, with a random suffix so repeated calls between the same pair within
// the same nanosecond still get distinct IDs.
func NewCallID(callerID, receiverID string, now time.Time) string {
	h := fnv.New32a()
	h.Write([]byte(callerID))
	h.Write([]byte{':'})
	h.Write([]byte(receiverID))
	return fmt.Sprintf("call-%08x-%d-%s", h.Sum32(), now.UnixNano(), uuid.NewString()[:8])
}
