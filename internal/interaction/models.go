// Package interaction defines the durable records the correlation engine
// maintains: one Interaction per agent turn, with its Items.
package interaction

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an interaction.
type Status string

const (
	// StatusPending means the turn was requested but the agent has not
	// acknowledged it yet.
	StatusPending Status = "pending"
	// StatusStarted means the agent is working on the turn.
	StatusStarted Status = "started"
	// Terminal states. Once set, repeated terminal events are no-ops
	// (delivery is at-least-once).
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Interaction is one correlated agent turn: the prompt sent, the response
// accumulated from agent messages, and its lifecycle state.
type Interaction struct {
	ID       string `db:"id" json:"id"`
	ThreadID string `db:"thread_id" json:"threadId"`
	// TurnID is bound when the turn/start response arrives; correlation
	// falls back to thread-scoped lookups until then.
	TurnID   string `db:"turn_id" json:"turnId,omitempty"`
	Prompt   string `db:"prompt" json:"prompt,omitempty"`
	Status   Status `db:"status" json:"status"`
	Response string `db:"response" json:"response,omitempty"`
	Error    string `db:"error" json:"error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Open reports whether the interaction can still receive events.
func (i *Interaction) Open() bool {
	return !i.Status.Terminal()
}

// Item is one recorded sub-step of an interaction: a message, command
// execution, file change, tool call or reasoning block.
type Item struct {
	ID            string `db:"id" json:"id"`
	InteractionID string `db:"interaction_id" json:"interactionId"`
	// ProviderItemID is the agent-side item id used for correlation of
	// started/completed pairs and streaming deltas.
	ProviderItemID string `db:"provider_item_id" json:"providerItemId"`
	Type           string `db:"type" json:"type"`
	Status         string `db:"status" json:"status,omitempty"`
	Text           string `db:"text" json:"text,omitempty"`
	// Payload holds the full normalized item for type-specific fields.
	Payload json.RawMessage `db:"payload" json:"payload,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
