package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/config"
	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/relay"
	"github.com/gramsetu/signal-server-go/internal/service"
)

// PollingSignaler synthesizes the realtime event stream from the HTTP
// endpoints, for clients that cannot hold a websocket open. A slow ticker
// discovers incoming calls; a faster per-call ticker tracks status and
// drains counterparty candidates. Every polling task is cancellable and
// stops on its own when the call reaches a terminal state.
type PollingSignaler struct {
	baseURL string
	userID  string
	token   string
	client  *http.Client

	events chan relay.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[string]context.CancelFunc
	seen     map[string]bool
}

func NewPollingSignaler(baseURL, userID, token string) *PollingSignaler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PollingSignaler{
		baseURL:  baseURL,
		userID:   userID,
		token:    token,
		client:   &http.Client{Timeout: 15 * time.Second},
		events:   make(chan relay.Event, 64),
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[string]context.CancelFunc),
		seen:     make(map[string]bool),
	}

	s.wg.Add(1)
	go s.pendingLoop()

	return s
}

func (s *PollingSignaler) Events() <-chan relay.Event {
	return s.events
}

func (s *PollingSignaler) Call(ctx context.Context, to string, callType model.CallType, offer string) (string, error) {
	var sess model.CallSession
	err := s.do(ctx, http.MethodPost, "/v1/calls/initiate", map[string]any{
		"receiverId": to,
		"callType":   callType,
		"offer":      offer,
	}, &sess)
	if err != nil {
		return "", err
	}

	s.markSeen(sess.CallID)
	s.watchCall(sess.CallID, model.SideCaller)
	return sess.CallID, nil
}

func (s *PollingSignaler) Answer(ctx context.Context, callID, answer string) error {
	err := s.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/answer", map[string]string{
		"answer": answer,
	}, nil)
	if err != nil {
		return err
	}

	s.watchCall(callID, model.SideReceiver)
	return nil
}

func (s *PollingSignaler) Candidate(ctx context.Context, callID, candidate string) error {
	return s.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/candidates", map[string]string{
		"candidate": candidate,
	}, nil)
}

func (s *PollingSignaler) Reject(ctx context.Context, callID string) error {
	defer s.stopWatch(callID)
	return s.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/reject", nil, nil)
}

func (s *PollingSignaler) End(ctx context.Context, callID, reason string) error {
	defer s.stopWatch(callID)
	return s.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/end", map[string]string{
		"reason": reason,
	}, nil)
}

func (s *PollingSignaler) Transcript(ctx context.Context, callID, text string) error {
	return s.do(ctx, http.MethodPost, "/v1/calls/"+callID+"/transcript", map[string]any{
		"text":      text,
		"timestamp": time.Now(),
	}, nil)
}

func (s *PollingSignaler) Close() error {
	s.cancel()
	s.wg.Wait()
	close(s.events)
	return nil
}

// pendingLoop discovers incoming ringing calls.
func (s *PollingSignaler) pendingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(config.PendingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollPending()
		}
	}
}

func (s *PollingSignaler) pollPending() {
	var resp struct {
		PendingCalls []*model.CallSession `json:"pendingCalls"`
	}
	if err := s.do(s.ctx, http.MethodGet, "/v1/calls/pending", nil, &resp); err != nil {
		log.Warn().Err(err).Msg("pending poll failed")
		return
	}

	ringing := make(map[string]bool, len(resp.PendingCalls))
	for _, sess := range resp.PendingCalls {
		ringing[sess.CallID] = true
		if !s.markSeen(sess.CallID) {
			continue
		}
		s.emit(relay.EventIncomingCall, relay.IncomingCallPayload{
			CallID:   sess.CallID,
			From:     sess.CallerID,
			FromName: sess.CallerName,
			CallType: sess.CallType,
			Offer:    sess.Offer,
		})
	}
	s.pruneSeen(ringing)
}

// pruneSeen drops dedupe entries for calls that stopped ringing and have no
// active watch, keeping the map bounded on a long-lived signaler.
func (s *PollingSignaler) pruneSeen(ringing map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for callID := range s.seen {
		if ringing[callID] {
			continue
		}
		if _, ok := s.watching[callID]; ok {
			continue
		}
		delete(s.seen, callID)
	}
}

// watchCall polls the status endpoint until the call terminates, the
// watch is cancelled, or the poll budget runs out.
func (s *PollingSignaler) watchCall(callID string, side model.Side) {
	ctx, cancel := context.WithTimeout(s.ctx, config.MaxPollDuration)

	s.mu.Lock()
	if _, ok := s.watching[callID]; ok {
		s.mu.Unlock()
		cancel()
		return
	}
	s.watching[callID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stopWatch(callID)

		ticker := time.NewTicker(config.StatusPollInterval)
		defer ticker.Stop()

		st := watchState{status: model.CallStatusRinging}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.pollStatus(ctx, callID, side, &st) {
					return
				}
			}
		}
	}()
}

// watchState tracks what one status watch has already relayed.
type watchState struct {
	status   model.CallStatus
	segments int
}

func (s *PollingSignaler) pollStatus(ctx context.Context, callID string, side model.Side, st *watchState) bool {
	var view service.StatusView
	err := s.do(ctx, http.MethodGet, "/v1/calls/"+callID+"/status", nil, &view)
	if err != nil {
		// A swept session means the call is long over.
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			s.emit(relay.EventCallEnded, relay.CallEndedPayload{CallID: callID})
			return true
		}
		log.Warn().Err(err).Str("callId", callID).Msg("status poll failed")
		return false
	}

	for _, candidate := range view.NewCandidates {
		s.emit(relay.EventICECandidate, relay.CandidatePayload{
			CallID:    callID,
			Candidate: candidate.Candidate,
		})
	}

	sess := view.Call

	// The session accumulates both speakers' transcript segments; relay
	// only the counterparty's new ones.
	if len(sess.TranscriptSegments) > st.segments {
		for _, seg := range sess.TranscriptSegments[st.segments:] {
			if seg.Speaker == s.userID {
				continue
			}
			s.emit(relay.EventTranscriptSegment, relay.TranscriptPayload{
				CallID:    callID,
				Speaker:   seg.Speaker,
				Text:      seg.Text,
				Timestamp: seg.Timestamp,
			})
		}
		st.segments = len(sess.TranscriptSegments)
	}

	if sess.Status == st.status {
		return false
	}
	st.status = sess.Status

	switch sess.Status {
	case model.CallStatusActive:
		if side == model.SideCaller {
			s.emit(relay.EventCallAnswered, relay.CallAnsweredPayload{
				CallID: callID,
				Answer: sess.Answer,
			})
		}
		return false

	case model.CallStatusRejected:
		s.emit(relay.EventCallRejected, relay.CallRejectedPayload{CallID: callID})
		return true

	case model.CallStatusEnded:
		s.emit(relay.EventCallEnded, relay.CallEndedPayload{
			CallID: callID,
			Reason: sess.EndReason,
		})
		return true
	}

	return false
}

func (s *PollingSignaler) stopWatch(callID string) {
	s.mu.Lock()
	cancel, ok := s.watching[callID]
	if ok {
		delete(s.watching, callID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// markSeen reports whether callID was newly recorded.
func (s *PollingSignaler) markSeen(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[callID] {
		return false
	}
	s.seen[callID] = true
	return true
}

func (s *PollingSignaler) emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case s.events <- relay.Event{Type: eventType, Data: data}:
	case <-s.ctx.Done():
	}
}

func (s *PollingSignaler) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string              `json:"error"`
			Code  apperrors.ErrorCode `json:"code"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Code != "" {
			return apperrors.New(errResp.Code, errResp.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
