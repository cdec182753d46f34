package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/config"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

var errSendBufferFull = errors.New("connection send buffer full")

// Conn is one websocket connection bound to an authenticated user. It is
// the realtime presence handle: the relay broker fans events into its send
// buffer and the write pump serializes them onto the socket.
type Conn struct {
	userID string
	ws     *websocket.Conn

	send      chan relay.Event
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(userID string, wsConn *websocket.Conn) *Conn {
	return &Conn{
		userID: userID,
		ws:     wsConn,
		send:   make(chan relay.Event, config.WSSendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) UserID() string { return c.userID }

// Send queues an event for delivery. A full buffer means the client is not
// draining its socket; the event is dropped with an error rather than
// blocking the broker's fan-out.
func (c *Conn) Send(eventType string, data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}

	select {
	case c.send <- relay.Event{Type: eventType, Data: data}:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// sendPayload marshals payload and queues it, for events originated by the
// router itself rather than the broker.
func (c *Conn) sendPayload(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("failed to marshal ws event")
		return
	}
	if err := c.Send(eventType, data); err != nil {
		log.Warn().Err(err).
			Str("userId", c.userID).
			Str("event", eventType).
			Msg("failed to queue ws event")
	}
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with periodic pings. It exits when the connection
// closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case event := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := c.ws.WriteJSON(event); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
