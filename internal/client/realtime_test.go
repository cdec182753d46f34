package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gramsetu/signal-server-go/internal/middleware"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/presence"
	redisclient "github.com/gramsetu/signal-server-go/internal/redis"
	"github.com/gramsetu/signal-server-go/internal/registry"
	"github.com/gramsetu/signal-server-go/internal/relay"
	"github.com/gramsetu/signal-server-go/internal/service"
	"github.com/gramsetu/signal-server-go/internal/ws"
)

// newRealtimeServer runs the websocket stack with "tok-<userID>" tokens.
func newRealtimeServer(t *testing.T) string {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := &redisclient.Client{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}

	directory := presence.NewDirectory()
	broker := relay.NewBroker(rdb, directory)
	t.Cleanup(broker.Close)

	svc := service.NewCallService(registry.New(registry.NewMemoryStore()), broker, nil, pollUsers{})
	router := ws.NewRouter(svc, broker, directory, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID := strings.TrimPrefix(token, "tok-")
		user := &model.User{ID: userID, DisplayName: "User " + userID}
		ctx := context.WithValue(r.Context(), middleware.UserContextKey, user)
		router.Handle(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForRealtimeEvent(t *testing.T, s *RealtimeSignaler, eventType string) json.RawMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-s.Events():
			require.True(t, ok, "event stream closed while waiting for %s", eventType)
			if event.Type == eventType {
				return event.Data
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", eventType)
		}
	}
}

func TestRealtimeSignalerFlow(t *testing.T) {
	wsURL := newRealtimeServer(t)
	ctx := context.Background()

	caller, err := DialRealtime(ctx, wsURL, "asha-1", "tok-asha-1")
	require.NoError(t, err)
	defer caller.Close()
	waitForRealtimeEvent(t, caller, relay.EventRegistered)

	receiver, err := DialRealtime(ctx, wsURL, "doc-1", "tok-doc-1")
	require.NoError(t, err)
	defer receiver.Close()
	waitForRealtimeEvent(t, receiver, relay.EventRegistered)

	callID, err := caller.Call(ctx, "doc-1", model.CallTypeVideo, "v=0 offer")
	require.NoError(t, err)
	assert.Empty(t, callID) // assigned by the server, learned from events

	data := waitForRealtimeEvent(t, receiver, relay.EventIncomingCall)
	var incoming relay.IncomingCallPayload
	require.NoError(t, json.Unmarshal(data, &incoming))
	assert.Equal(t, "asha-1", incoming.From)
	require.NotEmpty(t, incoming.CallID)

	require.NoError(t, receiver.Answer(ctx, incoming.CallID, "v=0 answer"))

	data = waitForRealtimeEvent(t, caller, relay.EventCallAnswered)
	var answered relay.CallAnsweredPayload
	require.NoError(t, json.Unmarshal(data, &answered))
	assert.Equal(t, incoming.CallID, answered.CallID)

	require.NoError(t, caller.Candidate(ctx, incoming.CallID, "candidate:1"))
	data = waitForRealtimeEvent(t, receiver, relay.EventICECandidate)
	var cand relay.CandidatePayload
	require.NoError(t, json.Unmarshal(data, &cand))
	assert.Equal(t, "candidate:1", cand.Candidate)

	require.NoError(t, caller.Transcript(ctx, incoming.CallID, "namaste doctor"))
	data = waitForRealtimeEvent(t, receiver, relay.EventTranscriptSegment)
	var seg relay.TranscriptPayload
	require.NoError(t, json.Unmarshal(data, &seg))
	assert.Equal(t, "asha-1", seg.Speaker)
	assert.Equal(t, "namaste doctor", seg.Text)

	require.NoError(t, caller.End(ctx, incoming.CallID, "done"))
	waitForRealtimeEvent(t, receiver, relay.EventCallEnded)
}
