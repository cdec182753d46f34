package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/middleware"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/presence"
	redisclient "github.com/gramsetu/signal-server-go/internal/redis"
	"github.com/gramsetu/signal-server-go/internal/registry"
	"github.com/gramsetu/signal-server-go/internal/relay"
	"github.com/gramsetu/signal-server-go/internal/service"
)

type stubUsers struct{}

func (stubUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, DisplayName: "User " + id}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := &redisclient.Client{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}

	directory := presence.NewDirectory()
	broker := relay.NewBroker(rdb, directory)
	t.Cleanup(broker.Close)

	svc := service.NewCallService(registry.New(registry.NewMemoryStore()), broker, nil, stubUsers{})
	router := NewRouter(svc, broker, directory, nil)

	// Tests authenticate with a ?uid= parameter instead of the token
	// middleware chain.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		user := &model.User{ID: uid, DisplayName: "User " + uid}
		ctx := context.WithValue(r.Context(), middleware.UserContextKey, user)
		router.Handle(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?uid=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(relay.Event{Type: eventType, Data: data}))
}

// waitForEvent reads events until one of the wanted type arrives, skipping
// unrelated traffic.
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var event relay.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("reading for %s: %v", eventType, err)
		}
		if event.Type == eventType {
			return event.Data
		}
	}
	t.Fatalf("no %s event received", eventType)
	return nil
}

func register(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, conn, relay.EventRegisterUser, relay.RegisterUserPayload{UserID: userID})
	waitForEvent(t, conn, relay.EventRegistered)
}

func TestRegisterAck(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "asha-1")

	send(t, conn, relay.EventRegisterUser, relay.RegisterUserPayload{UserID: "asha-1"})
	data := waitForEvent(t, conn, relay.EventRegistered)

	var payload relay.RegisterUserPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "asha-1", payload.UserID)
}

func TestCallFlow(t *testing.T) {
	srv := newTestServer(t)
	caller := dial(t, srv, "asha-1")
	receiver := dial(t, srv, "doc-1")
	register(t, caller, "asha-1")
	register(t, receiver, "doc-1")

	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeVideo,
		Offer:    "v=0 offer",
	})

	data := waitForEvent(t, receiver, relay.EventIncomingCall)
	var incoming relay.IncomingCallPayload
	require.NoError(t, json.Unmarshal(data, &incoming))
	assert.Equal(t, "asha-1", incoming.From)
	assert.Equal(t, "User asha-1", incoming.FromName)
	assert.Equal(t, "v=0 offer", incoming.Offer)
	require.NotEmpty(t, incoming.CallID)

	send(t, receiver, relay.EventAnswerCall, relay.AnswerCallPayload{
		CallID: incoming.CallID,
		Answer: "v=0 answer",
	})

	data = waitForEvent(t, caller, relay.EventCallAnswered)
	var answered relay.CallAnsweredPayload
	require.NoError(t, json.Unmarshal(data, &answered))
	assert.Equal(t, incoming.CallID, answered.CallID)
	assert.Equal(t, "v=0 answer", answered.Answer)

	send(t, caller, relay.EventICECandidate, relay.CandidatePayload{
		CallID:    incoming.CallID,
		Candidate: "candidate:1",
	})

	data = waitForEvent(t, receiver, relay.EventICECandidate)
	var cand relay.CandidatePayload
	require.NoError(t, json.Unmarshal(data, &cand))
	assert.Equal(t, "asha-1", cand.From)
	assert.Equal(t, "candidate:1", cand.Candidate)

	send(t, receiver, relay.EventEndCall, relay.EndCallPayload{CallID: incoming.CallID})

	data = waitForEvent(t, caller, relay.EventCallEnded)
	var ended relay.CallEndedPayload
	require.NoError(t, json.Unmarshal(data, &ended))
	assert.Equal(t, incoming.CallID, ended.CallID)
}

func TestRejectFlow(t *testing.T) {
	srv := newTestServer(t)
	caller := dial(t, srv, "asha-1")
	receiver := dial(t, srv, "doc-1")
	register(t, caller, "asha-1")
	register(t, receiver, "doc-1")

	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeAudio,
		Offer:    "v=0 offer",
	})

	data := waitForEvent(t, receiver, relay.EventIncomingCall)
	var incoming relay.IncomingCallPayload
	require.NoError(t, json.Unmarshal(data, &incoming))

	send(t, receiver, relay.EventRejectCall, relay.RejectCallPayload{CallID: incoming.CallID})
	waitForEvent(t, caller, relay.EventCallRejected)
}

func TestBusyPairGetsCallError(t *testing.T) {
	srv := newTestServer(t)
	caller := dial(t, srv, "asha-1")
	receiver := dial(t, srv, "doc-1")
	register(t, caller, "asha-1")
	register(t, receiver, "doc-1")

	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeVideo,
		Offer:    "v=0 first",
	})
	waitForEvent(t, receiver, relay.EventIncomingCall)

	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeVideo,
		Offer:    "v=0 second",
	})

	data := waitForEvent(t, caller, relay.EventCallError)
	var callErr relay.CallErrorPayload
	require.NoError(t, json.Unmarshal(data, &callErr))
	assert.Equal(t, string(apperrors.ErrCodeCallInProgress), callErr.Code)
}

func TestResyncOnRegister(t *testing.T) {
	srv := newTestServer(t)
	caller := dial(t, srv, "asha-1")
	register(t, caller, "asha-1")

	// Receiver is offline when the call arrives.
	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeVideo,
		Offer:    "v=0 offer",
	})

	// Give the server time to create the session before connecting.
	time.Sleep(100 * time.Millisecond)

	receiver := dial(t, srv, "doc-1")
	register(t, receiver, "doc-1")

	data := waitForEvent(t, receiver, relay.EventIncomingCall)
	var incoming relay.IncomingCallPayload
	require.NoError(t, json.Unmarshal(data, &incoming))
	assert.Equal(t, "asha-1", incoming.From)
}

func TestDisconnectEndsCall(t *testing.T) {
	srv := newTestServer(t)
	caller := dial(t, srv, "asha-1")
	receiver := dial(t, srv, "doc-1")
	register(t, caller, "asha-1")
	register(t, receiver, "doc-1")

	send(t, caller, relay.EventCallUser, relay.CallUserPayload{
		To:       "doc-1",
		CallType: model.CallTypeVideo,
		Offer:    "v=0 offer",
	})

	data := waitForEvent(t, receiver, relay.EventIncomingCall)
	var incoming relay.IncomingCallPayload
	require.NoError(t, json.Unmarshal(data, &incoming))

	send(t, receiver, relay.EventAnswerCall, relay.AnswerCallPayload{
		CallID: incoming.CallID,
		Answer: "v=0 answer",
	})
	waitForEvent(t, caller, relay.EventCallAnswered)

	caller.Close()

	data = waitForEvent(t, receiver, relay.EventCallEnded)
	var ended relay.CallEndedPayload
	require.NoError(t, json.Unmarshal(data, &ended))
	assert.Equal(t, "peer disconnected", ended.Reason)
}

func TestUnknownCallError(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "asha-1")
	register(t, conn, "asha-1")

	send(t, conn, relay.EventEndCall, relay.EndCallPayload{CallID: "call-nope"})

	data := waitForEvent(t, conn, relay.EventCallError)
	var callErr relay.CallErrorPayload
	require.NoError(t, json.Unmarshal(data, &callErr))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), callErr.Code)
	assert.Equal(t, "call-nope", callErr.CallID)
}

func TestSendErrorUnwrapsWrappedError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	rt := &Router{}

	done := make(chan struct{})
	defer close(done)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := newConn("asha-1", wsConn)
		go conn.writePump()
		wrapped := fmt.Errorf("end call: %w", apperrors.NotFound("Call"))
		rt.sendError(conn, relay.Event{Type: relay.EventEndCall, Data: json.RawMessage(`{"callId":"call-1"}`)}, wrapped)
		<-done
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	data := waitForEvent(t, client, relay.EventCallError)
	var payload relay.CallErrorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), payload.Code)
	assert.Equal(t, "call-1", payload.CallID)
}
