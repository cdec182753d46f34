package registry

import (
	"context"
	"time"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
)

// Registry owns every call session and is the single source of truth for
// call status. Whichever of answer/reject reaches the store first wins; the
// loser observes InvalidTransition and must treat the call as already
// resolved.
type Registry struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// CreateParams carries the initiate inputs. CallerName is display metadata
// resolved by the identity collaborator, carried on the session so the
// receiver's ring screen can show it without another lookup.
type CreateParams struct {
	CallerID   string
	ReceiverID string
	CallerName string
	CallType   model.CallType
	Offer      string
}

func (p CreateParams) validate() error {
	switch {
	case p.CallerID == "":
		return apperrors.MissingRequired("callerId")
	case p.ReceiverID == "":
		return apperrors.MissingRequired("receiverId")
	case p.CallerID == p.ReceiverID:
		return apperrors.InvalidInput("receiverId", "cannot call yourself")
	case p.Offer == "":
		return apperrors.MissingRequired("offer")
	case !p.CallType.Valid():
		return apperrors.InvalidInput("callType", "must be audio or video")
	}
	return nil
}

// Create inserts a new ringing session. A second concurrent call for the
// same ordered pair is rejected with CallInProgress rather than superseding
// or queueing behind the first.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*model.CallSession, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	now := r.now()
	sess := &model.CallSession{
		CallID:     NewCallID(params.CallerID, params.ReceiverID, now),
		CallerID:   params.CallerID,
		ReceiverID: params.ReceiverID,
		CallerName: params.CallerName,
		CallType:   params.CallType,
		Status:     model.CallStatusRinging,
		Offer:      params.Offer,
		CreatedAt:  now,
	}

	if err := r.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Answer transitions ringing→active, records the answer SDP and stamps
// StartTime.
func (r *Registry) Answer(ctx context.Context, callID, answer string) (*model.CallSession, error) {
	if answer == "" {
		return nil, apperrors.MissingRequired("answer")
	}

	return r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		if !sess.Status.CanTransitionTo(model.CallStatusActive) {
			return apperrors.InvalidTransition(string(sess.Status), string(model.CallStatusActive))
		}
		now := r.now()
		sess.Status = model.CallStatusActive
		sess.Answer = answer
		sess.StartTime = &now
		return nil
	})
}

// Reject transitions ringing→rejected.
func (r *Registry) Reject(ctx context.Context, callID string) (*model.CallSession, error) {
	return r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		if !sess.Status.CanTransitionTo(model.CallStatusRejected) {
			return apperrors.InvalidTransition(string(sess.Status), string(model.CallStatusRejected))
		}
		now := r.now()
		sess.Status = model.CallStatusRejected
		sess.TerminalAt = &now
		return nil
	})
}

// End transitions ringing|active→ended. Ending an already-terminal session
// is a no-op, because both parties racing to hang up is the normal case;
// the returned bool reports whether this call performed the transition.
func (r *Registry) End(ctx context.Context, callID, reason string) (*model.CallSession, bool, error) {
	transitioned := false
	sess, err := r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		transitioned = false
		if sess.Terminal() {
			return nil
		}
		transitioned = true
		now := r.now()
		sess.Status = model.CallStatusEnded
		sess.EndTime = &now
		sess.TerminalAt = &now
		if reason != "" {
			sess.EndReason = reason
		}
		if sess.StartTime != nil {
			sess.DurationSeconds = int64(now.Sub(*sess.StartTime).Seconds())
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, transitioned, nil
}

// AddCandidate appends a trickle-ICE candidate tagged with its owner side.
// Candidates may still be appended to a terminal session inside the grace
// window; once the session is swept the call is NotFound.
func (r *Registry) AddCandidate(ctx context.Context, callID string, side model.Side, candidate string) error {
	if candidate == "" {
		return apperrors.MissingRequired("candidate")
	}

	_, err := r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		sess.ICECandidates = append(sess.ICECandidates, model.ICECandidate{
			Owner:     side,
			Candidate: candidate,
		})
		return nil
	})
	return err
}

// DrainUndelivered returns, and marks delivered, every candidate owned by
// the counterparty of forSide that has not been handed out before. Used by
// the polling transport; the realtime transport forwards candidates
// immediately instead.
func (r *Registry) DrainUndelivered(ctx context.Context, callID string, forSide model.Side) ([]model.ICECandidate, error) {
	var drained []model.ICECandidate

	_, err := r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		drained = drained[:0]
		for i := range sess.ICECandidates {
			c := &sess.ICECandidates[i]
			if c.Owner != forSide && !c.Delivered {
				c.Delivered = true
				drained = append(drained, *c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

// AppendTranscript appends one speech recognition segment.
func (r *Registry) AppendTranscript(ctx context.Context, callID string, seg model.TranscriptSegment) error {
	if seg.Timestamp.IsZero() {
		seg.Timestamp = r.now()
	}

	_, err := r.store.Update(ctx, callID, func(sess *model.CallSession) error {
		sess.TranscriptSegments = append(sess.TranscriptSegments, seg)
		return nil
	})
	return err
}

// Get returns the session or NotFound.
func (r *Registry) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	return r.store.Get(ctx, callID)
}

// ListPendingFor returns every ringing session addressed to userID. This is
// how polling clients discover incoming calls without a push channel, and
// how reconnecting realtime clients resync calls they missed.
func (r *Registry) ListPendingFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	return r.store.ListPendingFor(ctx, userID)
}

// ListLiveFor returns every non-terminal session the user participates in.
func (r *Registry) ListLiveFor(ctx context.Context, userID string) ([]*model.CallSession, error) {
	return r.store.ListLiveFor(ctx, userID)
}

// SweepTerminal removes sessions terminal for longer than grace.
func (r *Registry) SweepTerminal(ctx context.Context, grace time.Duration) (int64, error) {
	return r.store.SweepTerminal(ctx, r.now().Add(-grace))
}
