package relay

import (
	"time"

	"github.com/gramsetu/signal-server-go/internal/model"
)

// Canonical signaling event names. Client-to-server events are consumed by
// the websocket router; server-to-client events are what the broker
// delivers to a user's live connections.
const (
	// client -> server
	EventRegisterUser     = "register-user"
	EventCallUser         = "call-user"
	EventAnswerCall       = "answer-call"
	EventICECandidate     = "ice-candidate"
	EventRejectCall       = "reject-call"
	EventEndCall          = "end-call"
	EventTranscriptUpdate = "transcript-update"

	// server -> client
	EventRegistered        = "registered"
	EventIncomingCall      = "incoming-call"
	EventCallAnswered      = "call-answered"
	EventCallRejected      = "call-rejected"
	EventCallEnded         = "call-ended"
	EventTranscriptSegment = "transcript-segment"
	EventCallError         = "call-error"
)

type RegisterUserPayload struct {
	UserID string `json:"userId"`
}

type CallUserPayload struct {
	To       string         `json:"to"`
	CallType model.CallType `json:"callType"`
	Offer    string         `json:"offer"`
}

type IncomingCallPayload struct {
	CallID   string         `json:"callId"`
	From     string         `json:"from"`
	FromName string         `json:"fromName,omitempty"`
	CallType model.CallType `json:"callType"`
	Offer    string         `json:"offer"`
}

type AnswerCallPayload struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

type CallAnsweredPayload struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

type CandidatePayload struct {
	CallID    string `json:"callId"`
	From      string `json:"from,omitempty"`
	Candidate string `json:"candidate"`
}

type RejectCallPayload struct {
	CallID string `json:"callId"`
}

type CallRejectedPayload struct {
	CallID string `json:"callId"`
}

type EndCallPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type TranscriptPayload struct {
	CallID    string    `json:"callId"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallErrorPayload surfaces registry failures to the offending sender
// instead of silently dropping them.
type CallErrorPayload struct {
	CallID string `json:"callId,omitempty"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
