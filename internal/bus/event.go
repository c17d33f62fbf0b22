package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChangeAction describes what kind of mutation a ConversationChange reports.
type ChangeAction string

const (
	// ActionReload tells observers to re-derive the conversation from scratch.
	ActionReload ChangeAction = "reload"
	// ActionUpdate reports an in-place field change (mute, pin, icon).
	ActionUpdate ChangeAction = "update"
	// ActionUpdateSnapshot reports that a remote snapshot was applied.
	ActionUpdateSnapshot ChangeAction = "update_snapshot"
	// ActionDelete reports that the conversation row was removed.
	ActionDelete ChangeAction = "delete"
)

// ConversationChange is the payload published after a committed conversation
// mutation. It is fire-and-forget: an observer that missed it re-derives
// state from the store.
type ConversationChange struct {
	ConversationID string
	Action         ChangeAction
}

// Kind returns the bus kind for this change, e.g. "conversation.reload".
// All conversation kinds share the "conversation." prefix so observers can
// subscribe globally and filter by ConversationID in the payload.
func (c ConversationChange) Kind() string {
	return "conversation." + string(c.Action)
}
