package domain

// Message is a single persisted half of a turn.
type Message struct {
	ConversationID string
	MessageID      string
	Role           Role
	Content        string
	Timestamp      int64
}

// Conversation is the per-owner index record with denormalized summary fields.
type Conversation struct {
	OwnerID        string
	ConversationID string
	Title          string
	CreatedAt      int64
	UpdatedAt      int64
	MessageCount   int
}

// SortOrder selects the direction of a message listing.
type SortOrder int

const (
	OldestFirst SortOrder = iota
	NewestFirst
)
