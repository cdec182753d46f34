package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/config"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

// RealtimeSignaler speaks the websocket signaling protocol. Server events
// stream out of Events(); operations are fire-and-forget writes, with
// failures surfaced back as call-error events.
type RealtimeSignaler struct {
	conn   *websocket.Conn
	events chan relay.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialRealtime connects and registers the user. wsURL is the ws:// or
// wss:// endpoint; token authenticates the upgrade.
func DialRealtime(ctx context.Context, wsURL, userID, token string) (*RealtimeSignaler, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}

	s := &RealtimeSignaler{
		conn:   conn,
		events: make(chan relay.Event, config.WSSendBuffer),
	}

	if err := s.write(relay.EventRegisterUser, relay.RegisterUserPayload{UserID: userID}); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

func (s *RealtimeSignaler) Events() <-chan relay.Event {
	return s.events
}

func (s *RealtimeSignaler) Call(ctx context.Context, to string, callType model.CallType, offer string) (string, error) {
	// The server assigns the call ID; the incoming call-answered or
	// call-error event carries it.
	return "", s.write(relay.EventCallUser, relay.CallUserPayload{
		To:       to,
		CallType: callType,
		Offer:    offer,
	})
}

func (s *RealtimeSignaler) Answer(ctx context.Context, callID, answer string) error {
	return s.write(relay.EventAnswerCall, relay.AnswerCallPayload{CallID: callID, Answer: answer})
}

func (s *RealtimeSignaler) Candidate(ctx context.Context, callID, candidate string) error {
	return s.write(relay.EventICECandidate, relay.CandidatePayload{CallID: callID, Candidate: candidate})
}

func (s *RealtimeSignaler) Reject(ctx context.Context, callID string) error {
	return s.write(relay.EventRejectCall, relay.RejectCallPayload{CallID: callID})
}

func (s *RealtimeSignaler) End(ctx context.Context, callID, reason string) error {
	return s.write(relay.EventEndCall, relay.EndCallPayload{CallID: callID, Reason: reason})
}

func (s *RealtimeSignaler) Transcript(ctx context.Context, callID, text string) error {
	return s.write(relay.EventTranscriptUpdate, relay.TranscriptPayload{
		CallID:    callID,
		Text:      text,
		Timestamp: time.Now(),
	})
}

func (s *RealtimeSignaler) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
	return nil
}

func (s *RealtimeSignaler) write(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	return s.conn.WriteJSON(relay.Event{Type: eventType, Data: data})
}

func (s *RealtimeSignaler) readLoop() {
	defer close(s.events)

	s.conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(config.WSWriteTimeout))
	})

	for {
		var event relay.Event
		if err := s.conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}

		select {
		case s.events <- event:
		default:
			log.Warn().Str("event", event.Type).Msg("dropping signal event, consumer too slow")
		}
	}
}
