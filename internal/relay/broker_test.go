package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gramsetu/signal-server-go/internal/presence"
	redisclient "github.com/gramsetu/signal-server-go/internal/redis"
)

type recordingHandle struct {
	userID string

	mu     sync.Mutex
	events []string
}

func (h *recordingHandle) UserID() string { return h.userID }

func (h *recordingHandle) Send(eventType string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
	return nil
}

func (h *recordingHandle) Close() {}

func (h *recordingHandle) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &redisclient.Client{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { client.Close() })

	broker := NewBroker(client, presence.NewDirectory())
	t.Cleanup(broker.Close)
	return broker
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishReachesAllHandles(t *testing.T) {
	broker := newTestBroker(t)

	h1 := &recordingHandle{userID: "user-1"}
	h2 := &recordingHandle{userID: "user-1"}
	broker.Attach(h1)
	broker.Attach(h2)

	require.NoError(t, broker.Publish(context.Background(), "user-1", "incoming-call", map[string]string{"callId": "c1"}))

	waitFor(t, func() bool {
		return len(h1.received()) == 1 && len(h2.received()) == 1
	})
	assert.Equal(t, []string{"incoming-call"}, h1.received())
}

func TestPublishToAbsentUserDoesNotFail(t *testing.T) {
	broker := newTestBroker(t)
	assert.NoError(t, broker.Publish(context.Background(), "nobody", "incoming-call", map[string]string{}))
}

func TestPublishIsScopedToUser(t *testing.T) {
	broker := newTestBroker(t)

	target := &recordingHandle{userID: "user-1"}
	other := &recordingHandle{userID: "user-2"}
	broker.Attach(target)
	broker.Attach(other)

	require.NoError(t, broker.Publish(context.Background(), "user-1", "call-ended", map[string]string{"callId": "c1"}))

	waitFor(t, func() bool { return len(target.received()) == 1 })
	assert.Empty(t, other.received())
}

func TestDetachStopsDelivery(t *testing.T) {
	broker := newTestBroker(t)

	h := &recordingHandle{userID: "user-1"}
	broker.Attach(h)

	require.NoError(t, broker.Publish(context.Background(), "user-1", "incoming-call", map[string]string{}))
	waitFor(t, func() bool { return len(h.received()) == 1 })

	broker.Detach(h)

	require.NoError(t, broker.Publish(context.Background(), "user-1", "incoming-call", map[string]string{}))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.received(), 1)
}
