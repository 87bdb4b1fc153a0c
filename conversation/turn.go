// Package conversation holds the turn model shared by the orchestrator,
// the capability dispatcher and the completion providers.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Attachment is a binary payload carried by a turn, typically an image
// produced by a capability.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}

// Turn is a single entry in the conversation. The role is fixed at
// construction time.
type Turn struct {
	role       Role
	Content    string
	Attachment *Attachment
	Timestamp  time.Time
}

// NewTurn creates a turn with the given role. Unknown roles are rejected.
func NewTurn(role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("unknown turn role %q", role)
	}
	return Turn{role: role, Content: content, Timestamp: time.Now()}, nil
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantTurn creates a Turn wrapping a model response.
func NewAssistantTurn(content string) Turn {
	return Turn{role: RoleAssistant, Content: content, Timestamp: time.Now()}
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	return Turn{role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// Role returns who produced the turn.
func (t Turn) Role() Role { return t.role }

// WithAttachment returns a copy of t carrying the attachment.
func (t Turn) WithAttachment(a *Attachment) Turn {
	t.Attachment = a
	return t
}

// Terminal reports whether the turn ends the conversation. A turn carrying
// an attachment is returned as-is and never completed or inspected further.
func (t Turn) Terminal() bool {
	return t.Attachment != nil
}

// IsZero reports whether t was never constructed.
func (t Turn) IsZero() bool {
	return t.role == ""
}

type turnJSON struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(turnJSON{
		Role:       t.role,
		Content:    t.Content,
		Attachment: t.Attachment,
		Timestamp:  t.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler. A missing timestamp is set to
// the decode time.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Role.Valid() {
		return fmt.Errorf("unknown turn role %q", raw.Role)
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}
	*t = Turn{
		role:       raw.Role,
		Content:    raw.Content,
		Attachment: raw.Attachment,
		Timestamp:  raw.Timestamp,
	}
	return nil
}
