package model

import "time"

// CallSession is the single source of truth for one call between two
// users. It is owned by the registry; transports and clients only ever
// reference it by ID.
type CallSession struct {
	CallID     string     `json:"callId" db:"call_id"`
	CallerID   string     `json:"callerId" db:"caller_id"`
	ReceiverID string     `json:"receiverId" db:"receiver_id"`
	CallerName string     `json:"callerName,omitempty" db:"caller_name"`
	CallType   CallType   `json:"callType" db:"call_type"`
	Status     CallStatus `json:"status" db:"status"`

	// Offer is set once at creation, Answer once on the first successful
	// answer. Both are opaque SDP payloads.
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`

	ICECandidates      []ICECandidate      `json:"iceCandidates,omitempty"`
	TranscriptSegments []TranscriptSegment `json:"transcriptSegments,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// DurationSeconds is derived from EndTime - StartTime when both are set.
	DurationSeconds int64 `json:"duration,omitempty"`

	// EndReason is set when the session was force-ended, e.g. "peer disconnected".
	EndReason string `json:"endReason,omitempty"`
	// TerminalAt tracks when a terminal status was reached, for grace-window GC.
	TerminalAt *time.Time `json:"terminalAt,omitempty"`
}

// Side identifies which participant of a call owns a payload.
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

// ICECandidate is an opaque trickle-ICE payload tagged with its owner
// side and a delivered flag used by the polling transport's replay.
type ICECandidate struct {
	Owner     Side   `json:"owner"`
	Candidate string `json:"candidate"`
	Delivered bool   `json:"delivered,omitempty"`
}

// TranscriptSegment is one piece of client-side speech recognition
// output relayed to the counterparty and accumulated on the session.
type TranscriptSegment struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the session reached a state that permits no
// further transitions.
func (s *CallSession) Terminal() bool {
	return s.Status.Terminal()
}

// SideOf maps a participant user ID to its side of the call. The bool
// is false when the user is not a participant.
func (s *CallSession) SideOf(userID string) (Side, bool) {
	switch userID {
	case s.CallerID:
		return SideCaller, true
	case s.ReceiverID:
		return SideReceiver, true
	}
	return "", false
}

// PeerOf returns the other participant's user ID.
func (s *CallSession) PeerOf(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.ReceiverID, true
	case s.ReceiverID:
		return s.CallerID, true
	}
	return "", false
}

// Clone returns a deep copy so registry internals never leak mutable
// slices to callers.
func (s *CallSession) Clone() *CallSession {
	out := *s
	if s.ICECandidates != nil {
		out.ICECandidates = make([]ICECandidate, len(s.ICECandidates))
		copy(out.ICECandidates, s.ICECandidates)
	}
	if s.TranscriptSegments != nil {
		out.TranscriptSegments = make([]TranscriptSegment, len(s.TranscriptSegments))
		copy(out.TranscriptSegments, s.TranscriptSegments)
	}
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.TerminalAt != nil {
		t := *s.TerminalAt
		out.TerminalAt = &t
	}
	return &out
}
