package domain

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is the provider-agnostic chat message shape passed to the
// inference providers.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
