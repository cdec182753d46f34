package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/config"
	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/middleware"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/presence"
	"github.com/gramsetu/signal-server-go/internal/relay"
	"github.com/gramsetu/signal-server-go/internal/service"
)

// Router is the realtime transport: it upgrades authenticated requests,
// attaches the connection to the relay broker and translates socket events
// into call service operations. All call semantics live in the service;
// the router only speaks the wire protocol.
type Router struct {
	service   *service.CallService
	broker    *relay.Broker
	directory *presence.Directory
	upgrader  websocket.Upgrader
}

func NewRouter(svc *service.CallService, broker *relay.Broker, directory *presence.Directory, allowedOrigins []string) *Router {
	return &Router{
		service:   svc,
		broker:    broker,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle upgrades the request and runs the connection until it closes.
// The user must already be authenticated by the auth middleware.
func (rt *Router) Handle(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("userId", user.ID).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(user.ID, wsConn)
	rt.broker.Attach(conn)

	log.Info().Str("userId", user.ID).Msg("websocket connected")

	go conn.writePump()
	rt.readLoop(conn)

	rt.broker.Detach(conn)
	conn.Close()

	// Force-end live calls only when the user's last connection is gone,
	// so a second tab or a quick reconnect does not kill an active call.
	if !rt.directory.Present(user.ID) {
		rt.service.HandleDisconnect(context.Background(), user.ID)
	}

	log.Info().Str("userId", user.ID).Msg("websocket disconnected")
}

func (rt *Router) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(config.WSMaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	})

	for {
		var event relay.Event
		if err := conn.ws.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("userId", conn.userID).Msg("websocket read error")
			}
			return
		}
		rt.dispatch(conn, event)
	}
}

func (rt *Router) dispatch(conn *Conn, event relay.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ServerRequestTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case relay.EventRegisterUser:
		rt.handleRegister(ctx, conn)

	case relay.EventCallUser:
		err = rt.handleCallUser(ctx, conn, event.Data)

	case relay.EventAnswerCall:
		err = rt.handleAnswer(ctx, conn, event.Data)

	case relay.EventICECandidate:
		err = rt.handleCandidate(ctx, conn, event.Data)

	case relay.EventRejectCall:
		err = rt.handleReject(ctx, conn, event.Data)

	case relay.EventEndCall:
		err = rt.handleEnd(ctx, conn, event.Data)

	case relay.EventTranscriptUpdate:
		err = rt.handleTranscript(ctx, conn, event.Data)

	default:
		log.Warn().Str("userId", conn.userID).Str("event", event.Type).Msg("unknown ws event")
		return
	}

	if err != nil {
		rt.sendError(conn, event, err)
	}
}

// handleRegister acknowledges the binding and replays any calls that rang
// while the user was offline.
func (rt *Router) handleRegister(ctx context.Context, conn *Conn) {
	conn.sendPayload(relay.EventRegistered, relay.RegisterUserPayload{UserID: conn.userID})
	rt.service.Resync(ctx, conn.userID)
}

func (rt *Router) handleCallUser(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.CallUserPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("call-user", "malformed payload")
	}

	_, err := rt.service.Initiate(ctx, conn.userID, service.InitiateParams{
		ReceiverID: payload.To,
		CallType:   payload.CallType,
		Offer:      payload.Offer,
	})
	return err
}

func (rt *Router) handleAnswer(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.AnswerCallPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("answer-call", "malformed payload")
	}

	_, err := rt.service.Answer(ctx, conn.userID, payload.CallID, payload.Answer)
	return err
}

func (rt *Router) handleCandidate(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.CandidatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("ice-candidate", "malformed payload")
	}

	return rt.service.ForwardCandidate(ctx, conn.userID, payload.CallID, payload.Candidate)
}

func (rt *Router) handleReject(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.RejectCallPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("reject-call", "malformed payload")
	}

	_, err := rt.service.Reject(ctx, conn.userID, payload.CallID)
	return err
}

func (rt *Router) handleEnd(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.EndCallPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("end-call", "malformed payload")
	}

	_, err := rt.service.End(ctx, conn.userID, payload.CallID, payload.Reason)
	return err
}

func (rt *Router) handleTranscript(ctx context.Context, conn *Conn, data json.RawMessage) error {
	var payload relay.TranscriptPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.InvalidInput("transcript-update", "malformed payload")
	}

	return rt.service.AppendTranscript(ctx, conn.userID, payload.CallID, model.TranscriptSegment{
		Speaker:   payload.Speaker,
		Text:      payload.Text,
		Timestamp: payload.Timestamp,
	})
}

// sendError reports a failed operation back on the same connection instead
// of dropping it silently, so clients can surface "busy", "not found" and
// state conflicts in the UI.
func (rt *Router) sendError(conn *Conn, event relay.Event, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).
			Str("userId", conn.userID).
			Str("event", event.Type).
			Msg("ws operation failed")
		appErr = apperrors.Internal("Operation failed")
	}

	var ref struct {
		CallID string `json:"callId"`
	}
	_ = json.Unmarshal(event.Data, &ref)

	conn.sendPayload(relay.EventCallError, relay.CallErrorPayload{
		CallID: ref.CallID,
		Code:   string(appErr.Code),
		Reason: appErr.Message,
	})
}
