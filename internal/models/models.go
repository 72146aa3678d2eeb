package models

import (
	"time"
)

// MessageType is the content type of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
)

var messageTypes = map[MessageType]bool{
	TypeText: true, TypeImage: true, TypeVideo: true,
	TypeAudio: true, TypeDocument: true, TypeSticker: true,
}

func (t MessageType) Valid() bool { return messageTypes[t] }

// ParseMessageType maps provider spellings onto a MessageType. Unknown values
// fall back to text so an inbound event is never dropped for its type alone.
func ParseMessageType(raw string) MessageType {
	switch raw {
	case "", "text", "chat", "conversation", "extendedText":
		return TypeText
	case "voice", "ptt":
		return TypeAudio
	case "file":
		return TypeDocument
	}
	if t := MessageType(raw); t.Valid() {
		return t
	}
	return TypeText
}

// DeliveryRecord marks a provider event as seen. MessageID is empty for
// events that did not produce a message (status and presence updates).
type DeliveryRecord struct {
	DeliveryKey string    `json:"deliveryKey"`
	MessageID   string    `json:"messageId,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

type Contact struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	TagIDs      []string  `json:"tagIds,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Conversation struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	ContactID       string     `json:"contactId,omitempty"`
	ChannelNumberID string     `json:"channelNumberId"`
	RemoteID        string     `json:"remoteId,omitempty"`
	IsGroup         bool       `json:"isGroup"`
	PipelineID      string     `json:"pipelineId,omitempty"`
	StageID         string     `json:"stageId,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount     int        `json:"unreadCount"`
	IsTyping        bool       `json:"isTyping"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type Message struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversationId"`
	WorkspaceID     string      `json:"workspaceId"`
	Body            string      `json:"body"`
	Type            MessageType `json:"type"`
	Status          Status      `json:"status"`
	IsOutgoing      bool        `json:"isOutgoing"`
	ExternalID      string      `json:"externalId,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	ReplyToID       string      `json:"replyToId,omitempty"`
	MediaURL        string      `json:"mediaUrl,omitempty"`
	SenderName      string      `json:"senderName,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Instance is a provider channel (one connected number) registered for a workspace.
type Instance struct {
	InstanceID      string `json:"instanceId" db:"instance_id"`
	WorkspaceID     string `json:"workspaceId" db:"workspace_id"`
	ChannelNumberID string `json:"channelNumberId" db:"channel_number_id"`
	Provider        string `json:"provider" db:"provider"`
	Token           string `json:"token,omitempty" db:"token"`
	WebhookURL      string `json:"webhookUrl,omitempty" db:"webhook_url"`
}
