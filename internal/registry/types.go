package registry

import "time"

// Status is the forward-only lifecycle of a session record.
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Session identifies one live voice interaction. Subject fields are
// immutable after creation; only Status, LastSeenAt and ClosedAt move.
type Session struct {
	Token          string    `json:"session_token"`
	SubjectID      string    `json:"subject_id"`
	SubjectName    string    `json:"subject_name"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

// CreateRequest is the client payload for opening a session.
type CreateRequest struct {
	SubjectID      string `json:"subjectId"`
	SubjectName    string `json:"subjectName"`
	ConversationID string `json:"conversationId"`
}

// CreateResponse returns the token and the websocket endpoint the
// client should dial.
type CreateResponse struct {
	SessionToken  string `json:"sessionToken"`
	BridgeAddress string `json:"bridgeAddress"`
}
