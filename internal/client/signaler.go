package client

import (
	"context"

	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

// Signaler carries signaling traffic between the call controller and the
// server. The realtime implementation speaks the websocket protocol; the
// polling implementation synthesizes the same event stream from HTTP
// endpoints, so the controller never knows which transport it is on.
type Signaler interface {
	// Events delivers server-originated signaling events. The channel is
	// closed when the signaler shuts down.
	Events() <-chan relay.Event

	// Call dials to. The returned call ID is empty when the transport
	// does not learn it synchronously; the controller then picks it up
	// from the first server event that names it.
	Call(ctx context.Context, to string, callType model.CallType, offer string) (callID string, err error)
	Answer(ctx context.Context, callID, answer string) error
	Candidate(ctx context.Context, callID, candidate string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID, reason string) error

	// Transcript relays a locally recognized speech segment to the
	// counterparty. The server records the authenticated sender as the
	// speaker.
	Transcript(ctx context.Context, callID, text string) error

	Close() error
}
