package domain

import (
	"errors"
	"time"
)

// Store-level sentinels. Repositories wrap these so callers can use errors.Is.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conditional write conflict")
)

const (
	// RoleUser marks a message row that pairs a user prompt with its answer.
	RoleUser = "user"

	// DefaultTitle is stored on a conversation until its first exchange is saved.
	DefaultTitle = "New Chat"
)

// Conversation is one chat thread.
type Conversation struct {
	ID           string
	CallerID     string
	Title        string
	SessionID    string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is a single persisted exchange: the prompt and the full answer.
type Message struct {
	ID             string
	ConversationID string
	Index          int
	Role           string
	Prompt         string
	Answer         string
	SessionID      string
	Feedback       Feedback
	CreatedAt      time.Time
}

// ExchangeRecord is everything written atomically when an exchange completes.
// Title is empty unless this is the conversation's first exchange.
type ExchangeRecord struct {
	Message       Message
	ExpectedCount int
	Title         string
	UpdatedAt     time.Time
}
