package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/presence"
	redisclient "github.com/gramsetu/signal-server-go/internal/redis"
)

// Event is one signaling event on the wire: a name plus a JSON payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event. Marshal failures are programmer
// errors and reported by the caller's Publish.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// Broker delivers signaling events to every live connection of a user,
// across server instances. Events go through a redis pub/sub channel per
// user; each instance keeps one subscription per locally-present user and
// fans incoming events out to the presence directory's handles.
type Broker struct {
	redis     *redisclient.Client
	directory *presence.Directory

	mu   sync.Mutex
	subs map[string]context.CancelFunc // userID -> subscription cancel

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client, directory *presence.Directory) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:     redisClient,
		directory: directory,
		subs:      make(map[string]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach registers the handle in the presence directory and ensures a
// redis subscription exists for the user.
func (b *Broker) Attach(h presence.Handle) {
	first := b.directory.Register(h)
	if !first {
		return
	}

	userID := h.UserID()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[userID]; ok {
		return
	}

	subCtx, subCancel := context.WithCancel(b.ctx)
	b.subs[userID] = subCancel
	go b.subscribe(subCtx, userID)
}

// Detach removes the handle; the user's redis subscription is torn down
// when their last local handle goes away.
func (b *Broker) Detach(h presence.Handle) {
	last := b.directory.Unregister(h)
	if !last {
		return
	}

	userID := h.UserID()

	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[userID]; ok {
		cancel()
		delete(b.subs, userID)
	}
}

// Publish sends an event to every live connection of userID, on any
// instance. Absence of a live connection is not an error: the event is
// simply not deliverable in real time and the polling surface compensates.
func (b *Broker) Publish(ctx context.Context, userID string, eventType string, payload any) error {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, redisclient.SignalChannel(userID), data).Err()
}

func (b *Broker) subscribe(ctx context.Context, userID string) {
	channel := redisclient.SignalChannel(userID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().Str("userId", userID).Str("channel", channel).Msg("signal pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("userId", userID).Msg("signal pubsub closed")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("userId", userID).Msg("failed to unmarshal signal event")
				continue
			}

			b.fanOut(userID, event)
		}
	}
}

func (b *Broker) fanOut(userID string, event Event) {
	handles := b.directory.Resolve(userID)
	for _, h := range handles {
		if err := h.Send(event.Type, event.Data); err != nil {
			log.Warn().Err(err).
				Str("userId", userID).
				Str("event", event.Type).
				Msg("failed to deliver signal event, dropping")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]context.CancelFunc)
}
