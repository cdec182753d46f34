package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/registry"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

const persistTimeout = 10 * time.Second

// Notifier delivers a signaling event to every live connection of a user.
type Notifier interface {
	Publish(ctx context.Context, userID string, eventType string, payload any) error
}

// CallRecordStore persists finished calls for historical reporting.
type CallRecordStore interface {
	Insert(ctx context.Context, rec *model.CallRecord) error
}

// UserDirectory resolves user IDs to profiles for display metadata.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// CallService is the transport-agnostic call core. The websocket router and
// the polling HTTP handlers are both thin protocol adapters over it, so the
// call state machine exists exactly once.
type CallService struct {
	registry *registry.Registry
	notifier Notifier
	records  CallRecordStore
	users    UserDirectory
}

func NewCallService(
	reg *registry.Registry,
	notifier Notifier,
	records CallRecordStore,
	users UserDirectory,
) *CallService {
	return &CallService{
		registry: reg,
		notifier: notifier,
		records:  records,
		users:    users,
	}
}

// InitiateParams are the caller's inputs when starting a call.
type InitiateParams struct {
	ReceiverID string
	CallType   model.CallType
	Offer      string
}

// Initiate creates a ringing session and notifies the receiver's live
// connections. An unreachable receiver is not an error: the session stays
// ringing and is discoverable through the pending poll or a later
// register-user resync.
func (s *CallService) Initiate(ctx context.Context, callerID string, params InitiateParams) (*model.CallSession, error) {
	callerName := s.displayName(ctx, callerID)

	sess, err := s.registry.Create(ctx, registry.CreateParams{
		CallerID:   callerID,
		ReceiverID: params.ReceiverID,
		CallerName: callerName,
		CallType:   params.CallType,
		Offer:      params.Offer,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("callId", sess.CallID).
		Str("callerId", callerID).
		Str("receiverId", params.ReceiverID).
		Str("callType", string(params.CallType)).
		Msg("call initiated")

	s.notify(ctx, params.ReceiverID, relay.EventIncomingCall, relay.IncomingCallPayload{
		CallID:   sess.CallID,
		From:     callerID,
		FromName: callerName,
		CallType: sess.CallType,
		Offer:    sess.Offer,
	})

	return sess, nil
}

// Answer applies ringing→active and forwards the answer SDP to the caller.
// Only the receiver of the call may answer it.
func (s *CallService) Answer(ctx context.Context, userID, callID, answer string) (*model.CallSession, error) {
	if err := s.requireSide(ctx, callID, userID, model.SideReceiver); err != nil {
		return nil, err
	}

	sess, err := s.registry.Answer(ctx, callID, answer)
	if err != nil {
		return nil, err
	}

	log.Info().Str("callId", callID).Msg("call answered")

	s.notify(ctx, sess.CallerID, relay.EventCallAnswered, relay.CallAnsweredPayload{
		CallID: sess.CallID,
		Answer: sess.Answer,
	})

	return sess, nil
}

// Reject applies ringing→rejected and notifies the caller. Only the
// receiver may reject.
func (s *CallService) Reject(ctx context.Context, userID, callID string) (*model.CallSession, error) {
	if err := s.requireSide(ctx, callID, userID, model.SideReceiver); err != nil {
		return nil, err
	}

	sess, err := s.registry.Reject(ctx, callID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("callId", callID).Msg("call rejected")

	s.notify(ctx, sess.CallerID, relay.EventCallRejected, relay.CallRejectedPayload{
		CallID: sess.CallID,
	})
	s.persistRecord(sess)

	return sess, nil
}

// End applies ringing|active→ended, notifies the peer and persists the
// record. Either participant may end; ending twice is a no-op.
func (s *CallService) End(ctx context.Context, userID, callID, reason string) (*model.CallSession, error) {
	if err := s.requireParticipant(ctx, callID, userID); err != nil {
		return nil, err
	}

	sess, transitioned, err := s.registry.End(ctx, callID, reason)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return sess, nil
	}

	log.Info().
		Str("callId", callID).
		Int64("durationSeconds", sess.DurationSeconds).
		Str("reason", reason).
		Msg("call ended")

	if peer, ok := sess.PeerOf(userID); ok {
		s.notify(ctx, peer, relay.EventCallEnded, relay.CallEndedPayload{
			CallID: sess.CallID,
			Reason: sess.EndReason,
		})
	}
	s.persistRecord(sess)

	return sess, nil
}

// ForwardCandidate relays a trickle-ICE candidate straight to the peer's
// live connections, used by the realtime transport where no replay is
// needed.
func (s *CallService) ForwardCandidate(ctx context.Context, userID, callID, candidate string) error {
	sess, err := s.registry.Get(ctx, callID)
	if err != nil {
		return err
	}

	peer, ok := sess.PeerOf(userID)
	if !ok {
		return apperrors.Forbidden("Not a participant of this call")
	}

	s.notify(ctx, peer, relay.EventICECandidate, relay.CandidatePayload{
		CallID:    callID,
		From:      userID,
		Candidate: candidate,
	})
	return nil
}

// StoreCandidate records a candidate on the session for the peer to pick
// up on its next status poll, used by the polling transport.
func (s *CallService) StoreCandidate(ctx context.Context, userID, callID, candidate string) error {
	side, err := s.sideOf(ctx, callID, userID)
	if err != nil {
		return err
	}
	return s.registry.AddCandidate(ctx, callID, side, candidate)
}

// AppendTranscript stores a speech recognition segment and forwards it to
// the counterparty.
func (s *CallService) AppendTranscript(ctx context.Context, userID, callID string, seg model.TranscriptSegment) error {
	sess, err := s.registry.Get(ctx, callID)
	if err != nil {
		return err
	}

	peer, ok := sess.PeerOf(userID)
	if !ok {
		return apperrors.Forbidden("Not a participant of this call")
	}

	if seg.Speaker == "" {
		seg.Speaker = userID
	}
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}

	if err := s.registry.AppendTranscript(ctx, callID, seg); err != nil {
		return err
	}

	s.notify(ctx, peer, relay.EventTranscriptSegment, relay.TranscriptPayload{
		CallID:    callID,
		Speaker:   seg.Speaker,
		Text:      seg.Text,
		Timestamp: seg.Timestamp,
	})
	return nil
}

// StatusView is the session as seen by one participant on a status poll:
// the counterparty's undelivered candidates are drained into it.
type StatusView struct {
	Call          *model.CallSession   `json:"call"`
	NewCandidates []model.ICECandidate `json:"newCandidates,omitempty"`
}

// Status returns the participant's view of the session, draining the
// counterparty's candidates collected since the previous poll.
func (s *CallService) Status(ctx context.Context, userID, callID string) (*StatusView, error) {
	side, err := s.sideOf(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	drained, err := s.registry.DrainUndelivered(ctx, callID, side)
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.Get(ctx, callID)
	if err != nil {
		return nil, err
	}

	return &StatusView{Call: sess, NewCandidates: drained}, nil
}

// Pending lists ringing calls addressed to userID: how polling clients and
// reconnecting realtime clients discover incoming calls.
func (s *CallService) Pending(ctx context.Context, userID string) ([]*model.CallSession, error) {
	return s.registry.ListPendingFor(ctx, userID)
}

// HandleDisconnect force-ends every non-terminal call the user participates
// in and notifies the other parties. Called when a user's last realtime
// connection drops.
func (s *CallService) HandleDisconnect(ctx context.Context, userID string) {
	sessions, err := s.registry.ListLiveFor(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to list live calls on disconnect")
		return
	}

	for _, sess := range sessions {
		if _, err := s.End(ctx, userID, sess.CallID, "peer disconnected"); err != nil {
			log.Error().Err(err).
				Str("callId", sess.CallID).
				Str("userId", userID).
				Msg("failed to end call on disconnect")
		}
	}
}

// Resync pushes every pending ringing call to the user's connections,
// covering calls that arrived while the user was offline.
func (s *CallService) Resync(ctx context.Context, userID string) {
	pending, err := s.registry.ListPendingFor(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to list pending calls for resync")
		return
	}

	for _, sess := range pending {
		s.notify(ctx, userID, relay.EventIncomingCall, relay.IncomingCallPayload{
			CallID:   sess.CallID,
			From:     sess.CallerID,
			FromName: sess.CallerName,
			CallType: sess.CallType,
			Offer:    sess.Offer,
		})
	}

	if len(pending) > 0 {
		log.Info().Str("userId", userID).Int("count", len(pending)).Msg("resynced pending calls")
	}
}

func (s *CallService) sideOf(ctx context.Context, callID, userID string) (model.Side, error) {
	sess, err := s.registry.Get(ctx, callID)
	if err != nil {
		return "", err
	}
	side, ok := sess.SideOf(userID)
	if !ok {
		return "", apperrors.Forbidden("Not a participant of this call")
	}
	return side, nil
}

func (s *CallService) requireSide(ctx context.Context, callID, userID string, want model.Side) error {
	side, err := s.sideOf(ctx, callID, userID)
	if err != nil {
		return err
	}
	if side != want {
		return apperrors.Forbidden("Only the call receiver may perform this action")
	}
	return nil
}

func (s *CallService) requireParticipant(ctx context.Context, callID, userID string) error {
	_, err := s.sideOf(ctx, callID, userID)
	return err
}

func (s *CallService) displayName(ctx context.Context, userID string) string {
	if s.users == nil {
		return ""
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil || user == nil {
		return ""
	}
	return user.DisplayName
}

func (s *CallService) notify(ctx context.Context, userID, eventType string, payload any) {
	if err := s.notifier.Publish(ctx, userID, eventType, payload); err != nil {
		log.Warn().Err(err).
			Str("userId", userID).
			Str("event", eventType).
			Msg("failed to publish signal event")
	}
}

// persistRecord writes the finished call to history, fire-and-forget.
func (s *CallService) persistRecord(sess *model.CallSession) {
	if s.records == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		transcript, err := json.Marshal(sess.TranscriptSegments)
		if err != nil {
			log.Error().Err(err).Str("callId", sess.CallID).Msg("failed to marshal transcript")
			transcript = []byte("[]")
		}

		rec := &model.CallRecord{
			CallID:          sess.CallID,
			CallerID:        sess.CallerID,
			ReceiverID:      sess.ReceiverID,
			CallType:        sess.CallType,
			Status:          sess.Status,
			StartTime:       sess.StartTime,
			EndTime:         sess.EndTime,
			DurationSeconds: sess.DurationSeconds,
			Transcript:      transcript,
		}

		if err := s.records.Insert(ctx, rec); err != nil {
			log.Error().Err(err).Str("callId", sess.CallID).Msg("failed to persist call record")
		}
	}()
}
