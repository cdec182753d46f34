package model

import "time"

// User is the identity collaborator's view of an account: enough to
// authenticate a connection and resolve a display name for call UI.
// Full account management lives outside this service.
type User struct {
	ID           string    `db:"id" json:"id"`
	DisplayName  string    `db:"display_name" json:"displayName"`
	Role         UserRole  `db:"role" json:"role"`
	APITokenHash string    `db:"api_token_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

type CreateUserParams struct {
	ID           string
	DisplayName  string
	Role         UserRole
	APITokenHash string
}

// CallRecord is the flattened, persisted form of a finished CallSession,
// written fire-and-forget on terminal transition for historical reporting.
type CallRecord struct {
	CallID          string     `db:"call_id" json:"callId"`
	CallerID        string     `db:"caller_id" json:"callerId"`
	ReceiverID      string     `db:"receiver_id" json:"receiverId"`
	CallType        CallType   `db:"call_type" json:"callType"`
	Status          CallStatus `db:"status" json:"status"`
	StartTime       *time.Time `db:"start_time" json:"startTime,omitempty"`
	EndTime         *time.Time `db:"end_time" json:"endTime,omitempty"`
	DurationSeconds int64      `db:"duration_seconds" json:"duration"`
	Transcript      []byte     `db:"transcript" json:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}
