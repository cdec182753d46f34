package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

// State is the controller's position in the call lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateOffering        State = "offering"
	StateRingingOut      State = "ringing-out"
	StateRingingIn       State = "ringing-in"
	StateActive          State = "active"
	StateEnded           State = "ended"
)

// Controller drives one call at a time over a Signaler and a Peer. The
// same state machine serves both transports; only the Signaler differs.
type Controller struct {
	signaler Signaler
	newPeer  PeerFactory
	source   MediaSource

	mu           sync.Mutex
	state        State
	callID       string
	peerUser     string
	remoteOffer  string
	callType     model.CallType
	peer         Peer
	tornDown     bool
	pendingLocal []string

	// OnStateChange, when set, observes every transition. Called outside
	// the controller lock.
	OnStateChange func(State)
	// OnError observes surfaced call errors.
	OnError func(code, reason string)
	// OnTranscript receives the counterparty's speech recognition segments.
	OnTranscript func(speaker, text string, timestamp time.Time)
}

func NewController(signaler Signaler, newPeer PeerFactory, source MediaSource) *Controller {
	return &Controller{
		signaler: signaler,
		newPeer:  newPeer,
		source:   source,
		state:    StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Run consumes the signaler's event stream until ctx is cancelled or the
// stream closes. It must be running for the controller to make progress.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// No disconnect detection covers the polling transport, so the
			// server has to hear about the shutdown explicitly.
			c.teardown(true, "shutdown")
			return
		case event, ok := <-c.signaler.Events():
			if !ok {
				c.teardown(false, "signaler closed")
				return
			}
			c.handle(ctx, event)
		}
	}
}

// Call dials peerUser. The controller acquires media before sending the
// offer; acquisition failure aborts back to idle without signaling.
func (c *Controller) Call(ctx context.Context, peerUser string, callType model.CallType) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "A call is already in progress")
	}
	c.state = StateRequestingMedia
	c.peerUser = peerUser
	c.callType = callType
	c.tornDown = false
	c.mu.Unlock()
	c.stateChanged(StateRequestingMedia)

	peer, err := c.newPeer(c.source)
	if err != nil {
		c.setIdle()
		return apperrors.MediaAcquisitionFailed(err.Error())
	}

	c.setPeer(peer, StateOffering)
	c.stateChanged(StateOffering)

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		c.teardown(false, "offer failed")
		return err
	}

	callID, err := c.signaler.Call(ctx, peerUser, callType, offer)
	if err != nil {
		c.teardown(false, "signaling failed")
		return err
	}

	c.mu.Lock()
	c.callID = callID
	c.state = StateRingingOut
	c.mu.Unlock()
	c.stateChanged(StateRingingOut)
	c.flushLocalCandidates()
	return nil
}

// Accept answers the ringing incoming call.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingIn {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "No ringing call to accept")
	}
	callID := c.callID
	offer := c.remoteOffer
	c.state = StateRequestingMedia
	c.mu.Unlock()
	c.stateChanged(StateRequestingMedia)

	peer, err := c.newPeer(c.source)
	if err != nil {
		// The caller keeps ringing unless the server hears a rejection.
		c.rejectRinging(ctx, callID)
		c.setIdle()
		return apperrors.MediaAcquisitionFailed(err.Error())
	}

	c.setPeer(peer, StateRequestingMedia)

	answer, err := peer.AcceptOffer(ctx, offer)
	if err != nil {
		c.rejectRinging(ctx, callID)
		c.teardown(false, "answer failed")
		return err
	}

	if err := c.signaler.Answer(ctx, callID, answer); err != nil {
		c.rejectRinging(ctx, callID)
		c.teardown(false, "signaling failed")
		return err
	}

	c.transition(StateActive)
	return nil
}

// rejectRinging tells the server a ringing call will not be answered, so a
// failed accept does not leave the caller ringing until timeout.
func (c *Controller) rejectRinging(ctx context.Context, callID string) {
	if err := c.signaler.Reject(ctx, callID); err != nil {
		log.Warn().Err(err).Str("callId", callID).Msg("failed to reject after accept failure")
	}
}

// Decline rejects the ringing incoming call.
func (c *Controller) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingIn {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "No ringing call to decline")
	}
	callID := c.callID
	c.mu.Unlock()

	err := c.signaler.Reject(ctx, callID)
	c.setIdle()
	return err
}

// HangUp ends the current call on any non-idle state.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	callID := c.callID
	c.mu.Unlock()

	var err error
	if callID != "" {
		err = c.signaler.End(ctx, callID, "hangup")
	}
	c.teardown(false, "hangup")
	return err
}

// SendTranscript relays a locally recognized speech segment to the
// counterparty over the active call.
func (c *Controller) SendTranscript(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state != StateActive || c.callID == "" {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict, "No active call")
	}
	callID := c.callID
	c.mu.Unlock()

	return c.signaler.Transcript(ctx, callID, text)
}

// ToggleMute flips local audio and reports whether it is now muted.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return false
	}
	return peer.ToggleAudio()
}

// ToggleCamera flips local video and reports whether it is now off.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return false
	}
	return peer.ToggleVideo()
}

func (c *Controller) handle(ctx context.Context, event relay.Event) {
	switch event.Type {
	case relay.EventIncomingCall:
		var payload relay.IncomingCallPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.handleIncoming(ctx, payload)

	case relay.EventCallAnswered:
		var payload relay.CallAnsweredPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.handleAnswered(payload)

	case relay.EventICECandidate:
		var payload relay.CandidatePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		c.handleCandidate(payload)

	case relay.EventCallRejected:
		var payload relay.CallRejectedPayload
		if json.Unmarshal(event.Data, &payload) == nil && c.isCurrentCall(payload.CallID) {
			c.teardown(false, "rejected")
		}

	case relay.EventCallEnded:
		var payload relay.CallEndedPayload
		if json.Unmarshal(event.Data, &payload) == nil && c.isCurrentCall(payload.CallID) {
			c.teardown(false, payload.Reason)
		}

	case relay.EventTranscriptSegment:
		var payload relay.TranscriptPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		if c.isCurrentCall(payload.CallID) && c.OnTranscript != nil {
			c.OnTranscript(payload.Speaker, payload.Text, payload.Timestamp)
		}

	case relay.EventCallError:
		var payload relay.CallErrorPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		log.Warn().Str("code", payload.Code).Str("reason", payload.Reason).Msg("call error")
		if c.OnError != nil {
			c.OnError(payload.Code, payload.Reason)
		}
		// An error for the in-flight dial means the call never got
		// established.
		c.mu.Lock()
		dialing := c.state == StateOffering || c.state == StateRingingOut
		c.mu.Unlock()
		if dialing {
			c.teardown(false, payload.Reason)
		}
	}
}

func (c *Controller) handleIncoming(ctx context.Context, payload relay.IncomingCallPayload) {
	c.mu.Lock()
	if c.state != StateIdle {
		callID := payload.CallID
		c.mu.Unlock()
		// Busy: decline the second call rather than dropping it silently.
		if err := c.signaler.Reject(ctx, callID); err != nil {
			log.Warn().Err(err).Str("callId", callID).Msg("failed to decline while busy")
		}
		return
	}
	c.state = StateRingingIn
	c.callID = payload.CallID
	c.peerUser = payload.From
	c.callType = payload.CallType
	c.remoteOffer = payload.Offer
	c.tornDown = false
	c.mu.Unlock()
	c.stateChanged(StateRingingIn)
}

func (c *Controller) handleAnswered(payload relay.CallAnsweredPayload) {
	c.mu.Lock()
	if c.state != StateRingingOut {
		c.mu.Unlock()
		return
	}
	if c.callID == "" {
		c.callID = payload.CallID
	}
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		if err := peer.AcceptAnswer(payload.Answer); err != nil {
			log.Error().Err(err).Msg("failed to apply remote answer")
			c.teardown(true, "negotiation failed")
			return
		}
	}
	c.flushLocalCandidates()
	c.transition(StateActive)
}

func (c *Controller) handleCandidate(payload relay.CandidatePayload) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.AddRemoteCandidate(payload.Candidate); err != nil {
		log.Warn().Err(err).Msg("failed to add remote candidate")
	}
}

// isCurrentCall matches an event against the in-flight call. A dialing
// realtime client may not know its call ID yet; any terminal event while
// dialing is taken to refer to the dial.
func (c *Controller) isCurrentCall(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callID != "" {
		return c.callID == callID
	}
	return c.state == StateOffering || c.state == StateRingingOut
}

// setPeer installs the peer and wires local candidate trickle. Gathering
// starts as soon as the local description is set, which on the caller side
// can be long before the server names the call; candidates found in that
// window are buffered and flushed once the ID is known.
func (c *Controller) setPeer(peer Peer, state State) {
	c.mu.Lock()
	c.peer = peer
	c.state = state
	c.mu.Unlock()

	peer.OnLocalCandidate(func(candidate string) {
		c.mu.Lock()
		callID := c.callID
		if callID == "" {
			c.pendingLocal = append(c.pendingLocal, candidate)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.signaler.Candidate(context.Background(), callID, candidate); err != nil {
			log.Warn().Err(err).Msg("failed to send local candidate")
		}
	})
}

// flushLocalCandidates sends candidates buffered while the call ID was
// still unknown.
func (c *Controller) flushLocalCandidates() {
	c.mu.Lock()
	callID := c.callID
	pending := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()

	if callID == "" {
		return
	}
	for _, candidate := range pending {
		if err := c.signaler.Candidate(context.Background(), callID, candidate); err != nil {
			log.Warn().Err(err).Msg("failed to send buffered candidate")
		}
	}
}

func (c *Controller) transition(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.stateChanged(state)
}

func (c *Controller) setIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.callID = ""
	c.peerUser = ""
	c.remoteOffer = ""
	c.peer = nil
	c.pendingLocal = nil
	c.mu.Unlock()
	c.stateChanged(StateIdle)
}

// teardown releases the peer and returns to idle. Safe to call from every
// exit path; only the first call per call session does any work.
func (c *Controller) teardown(notifyServer bool, reason string) {
	c.mu.Lock()
	if c.tornDown || (c.state == StateIdle && c.peer == nil) {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	peer := c.peer
	callID := c.callID
	c.peer = nil
	c.state = StateEnded
	c.mu.Unlock()
	c.stateChanged(StateEnded)

	if peer != nil {
		peer.Close()
	}
	if notifyServer && callID != "" {
		if err := c.signaler.End(context.Background(), callID, reason); err != nil {
			log.Warn().Err(err).Str("callId", callID).Msg("failed to notify end")
		}
	}

	log.Info().Str("callId", callID).Str("reason", reason).Msg("call torn down")
	c.setIdle()
}

func (c *Controller) stateChanged(state State) {
	if c.OnStateChange != nil {
		c.OnStateChange(state)
	}
}
