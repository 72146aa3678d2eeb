// Package realtime fans committed changes out to the subscribers of a
// conversation channel.
package realtime

import (
	"wuzapi-relay/internal/models"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// Event is one frame on a conversation channel.
type Event struct {
	Type   EventType `json:"type"`
	Table  string    `json:"table"`
	Record any       `json:"record"`

	ConversationID string `json:"-"`
	WorkspaceID    string `json:"-"`
}

func MessageEvent(t EventType, m models.Message) Event {
	return Event{
		Type:           t,
		Table:          TableMessages,
		Record:         m,
		ConversationID: m.ConversationID,
		WorkspaceID:    m.WorkspaceID,
	}
}

func ConversationEvent(c models.Conversation) Event {
	return Event{
		Type:           EventUpdate,
		Table:          TableConversations,
		Record:         c,
		ConversationID: c.ID,
		WorkspaceID:    c.WorkspaceID,
	}
}

// Publisher accepts committed events. Publish must not block on consumers.
type Publisher interface {
	Publish(e Event)
}

// Publishers hands each event to every publisher in order.
type Publishers []Publisher

func (ps Publishers) Publish(e Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Stream is a cancellable sequence of events for one conversation, local or
// remote. Events is closed when the stream ends.
type Stream interface {
	Events() <-chan Event
	Close()
}
