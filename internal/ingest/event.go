package ingest

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
)

// Kind groups provider event type names by how they are processed.
type Kind string

const (
	KindMessage  Kind = "message"
	KindStatus   Kind = "status"
	KindPresence Kind = "presence"
	KindOther    Kind = "other"
)

// eventKinds lists the provider event names the relay processes. Names are
// matched exactly; wuzapi uses PascalCase, the generic contract lowercase.
var eventKinds = map[string]Kind{
	"message":          KindMessage,
	"Message":          KindMessage,
	"message.received": KindMessage,
	"message:received": KindMessage,
	"message_received": KindMessage,
	"message.sent":     KindMessage,

	"status":            KindStatus,
	"receipt":           KindStatus,
	"Receipt":           KindStatus,
	"ReadReceipt":       KindStatus,
	"message.delivered": KindStatus,
	"message:delivered": KindStatus,
	"message_delivered": KindStatus,
	"message.read":      KindStatus,
	"message:read":      KindStatus,
	"message_read":      KindStatus,

	"presence":      KindPresence,
	"Presence":      KindPresence,
	"ChatPresence":  KindPresence,
	"chat_presence": KindPresence,
}

// impliedStatus is the status carried by the event name itself when the
// payload omits it.
var impliedStatus = map[string]models.Status{
	"ReadReceipt":       models.StatusRead,
	"message.delivered": models.StatusDelivered,
	"message:delivered": models.StatusDelivered,
	"message_delivered": models.StatusDelivered,
	"message.read":      models.StatusRead,
	"message:read":      models.StatusRead,
	"message_read":      models.StatusRead,
}

func KindOf(eventType string) Kind {
	if k, ok := eventKinds[eventType]; ok {
		return k
	}
	return KindOther
}

// Event is a decoded provider webhook body. Both the nested form
// ({"message": {...}}) and the flat form ({"from": ..., "text": ...}) are
// accepted.
type Event struct {
	EventType  string `json:"eventType"`
	Event      string `json:"event"`
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	EventID    string `json:"eventId"`

	Message  *MessagePayload  `json:"message"`
	Status   json.RawMessage  `json:"status"`
	Presence *PresencePayload `json:"presence"`

	// Flat message form.
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Chat        string    `json:"chat"`
	FromMe      bool      `json:"fromMe"`
	PushName    string    `json:"pushName"`
	Text        string    `json:"text"`
	Body        string    `json:"body"`
	MessageType string    `json:"messageType"`
	MediaURL    string    `json:"mediaUrl"`
	ReplyTo     string    `json:"replyTo"`
	Timestamp   Timestamp `json:"timestamp"`

	// Flat status form.
	IDs       []string `json:"ids"`
	MessageID string   `json:"messageId"`
	State     string   `json:"state"`
}

type MessagePayload struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Chat       string    `json:"chat"`
	FromMe     bool      `json:"fromMe"`
	PushName   string    `json:"pushName"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Body       string    `json:"body"`
	Content    string    `json:"content"`
	Caption    string    `json:"caption"`
	Type       string    `json:"type"`
	MediaURL   string    `json:"mediaUrl"`
	ReplyTo    string    `json:"replyTo"`
	Timestamp  Timestamp `json:"timestamp"`
}

type StatusPayload struct {
	IDs    []string `json:"ids"`
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Chat   string   `json:"chat"`
}

type PresencePayload struct {
	Chat  string `json:"chat"`
	From  string `json:"from"`
	State string `json:"state"`
}

// Timestamp accepts unix seconds, unix milliseconds, a numeric string or an
// RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			t.Time = time.UnixMilli(n).UTC()
		} else {
			t.Time = time.Unix(n, 0).UTC()
		}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// InboundMessage is the provider-neutral view of a message event.
type InboundMessage struct {
	ID        string
	Sender    string
	Recipient string
	Chat      string
	FromMe    bool
	Name      string
	Body      string
	Type      models.MessageType
	MediaURL  string
	ReplyTo   string
	Timestamp time.Time
}

// Decode parses a webhook body. Malformed JSON and bodies without an event
// type or instance id are validation errors.
func Decode(raw []byte) (Event, error) {
	const op = "ingest.Decode"
	var ev Event
	if len(bytes.TrimSpace(raw)) == 0 {
		return Event{}, apperr.Validation(op, "empty body")
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, apperr.Validation(op, "invalid JSON payload: %v", err)
	}
	if ev.Name() == "" {
		return Event{}, apperr.Validation(op, "eventType is required")
	}
	if ev.InstanceID == "" {
		return Event{}, apperr.Validation(op, "instanceId is required")
	}
	return ev, nil
}

// Name returns the event type, whichever field carried it.
func (e Event) Name() string {
	return firstNonEmpty(e.EventType, e.Event, e.Type)
}

func (e Event) Kind() Kind { return KindOf(e.Name()) }

// InboundMessage extracts the message of a message event.
func (e Event) InboundMessage() (InboundMessage, bool) {
	if m := e.Message; m != nil {
		return InboundMessage{
			ID:        m.ID,
			Sender:    m.From,
			Recipient: m.To,
			Chat:      m.Chat,
			FromMe:    m.FromMe,
			Name:      firstNonEmpty(m.SenderName, m.PushName),
			Body:      firstNonEmpty(m.Text, m.Body, m.Content, m.Caption),
			Type:      models.ParseMessageType(m.Type),
			MediaURL:  m.MediaURL,
			ReplyTo:   m.ReplyTo,
			Timestamp: m.Timestamp.Time,
		}, true
	}
	if e.From == "" && e.Chat == "" {
		return InboundMessage{}, false
	}
	msgType := e.MessageType
	if msgType == "" && e.EventType != "" {
		// With eventType present, a top-level "type" describes the content.
		msgType = e.Type
	}
	return InboundMessage{
		ID:        e.ID,
		Sender:    e.From,
		Recipient: e.To,
		Chat:      e.Chat,
		FromMe:    e.FromMe,
		Name:      e.PushName,
		Body:      firstNonEmpty(e.Text, e.Body),
		Type:      models.ParseMessageType(msgType),
		MediaURL:  e.MediaURL,
		ReplyTo:   e.ReplyTo,
		Timestamp: e.Timestamp.Time,
	}, true
}

// StatusUpdate extracts the provider message ids and target status of a
// status event.
func (e Event) StatusUpdate() ([]string, models.Status, bool) {
	var payload StatusPayload
	var rawStatus string
	if len(e.Status) > 0 {
		if e.Status[0] == '{' {
			if err := json.Unmarshal(e.Status, &payload); err != nil {
				return nil, "", false
			}
			rawStatus = payload.Status
		} else if err := json.Unmarshal(e.Status, &rawStatus); err != nil {
			return nil, "", false
		}
	}
	if rawStatus == "" {
		rawStatus = e.State
	}

	status, ok := models.ParseStatus(strings.ToLower(rawStatus))
	if !ok {
		status, ok = impliedStatus[e.Name()]
	}
	if !ok {
		return nil, "", false
	}

	candidates := append([]string{}, payload.IDs...)
	candidates = append(candidates, payload.ID)
	candidates = append(candidates, e.IDs...)
	candidates = append(candidates, e.MessageID, e.ID)

	var ids []string
	for _, id := range candidates {
		if id != "" && !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, "", false
	}
	return ids, status, true
}

// PresenceUpdate extracts the chat and typing state of a presence event.
func (e Event) PresenceUpdate() (string, bool, bool) {
	chat, state := e.Chat, e.State
	if p := e.Presence; p != nil {
		chat, state = firstNonEmpty(p.Chat, p.From), p.State
	}
	chat = firstNonEmpty(chat, e.From)
	if chat == "" {
		return "", false, false
	}
	switch strings.ToLower(state) {
	case "composing", "recording", "typing":
		return chat, true, true
	default:
		return chat, false, true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
