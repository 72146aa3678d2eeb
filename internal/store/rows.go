package store

import (
	"database/sql"
	"strings"
	"time"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
)

// Row types mirror the tables column for column. The mappers below are the
// only way rows become entities: a row that cannot produce a valid entity is
// rejected instead of leaking half-typed data.

type contactRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	Phone       string `db:"phone"`
	Name        string `db:"name"`
	AvatarURL   string `db:"avatar_url"`
	TagIDs      string `db:"tag_ids"`
	CreatedAt   int64  `db:"created_at"`
}

type conversationRow struct {
	ID              string        `db:"id"`
	WorkspaceID     string        `db:"workspace_id"`
	ContactID       string        `db:"contact_id"`
	ChannelNumberID string        `db:"channel_number_id"`
	ConvKey         string        `db:"conv_key"`
	RemoteID        string        `db:"remote_id"`
	IsGroup         bool          `db:"is_group"`
	PipelineID      string        `db:"pipeline_id"`
	StageID         string        `db:"stage_id"`
	LastMessageAt   sql.NullInt64 `db:"last_message_at"`
	UnreadCount     int           `db:"unread_count"`
	IsTyping        bool          `db:"is_typing"`
	CreatedAt       int64         `db:"created_at"`
}

type messageRow struct {
	ID              string         `db:"id"`
	ConversationID  string         `db:"conversation_id"`
	WorkspaceID     string         `db:"workspace_id"`
	Body            string         `db:"body"`
	Type            string         `db:"type"`
	Status          string         `db:"status"`
	IsOutgoing      bool           `db:"is_outgoing"`
	ExternalID      sql.NullString `db:"external_id"`
	ClientMessageID sql.NullString `db:"client_message_id"`
	ReplyToID       sql.NullString `db:"reply_to_id"`
	MediaURL        string         `db:"media_url"`
	SenderName      string         `db:"sender_name"`
	ErrorMessage    string         `db:"error_message"`
	CreatedAt       int64          `db:"created_at"`
}

type deliveryRow struct {
	DeliveryKey string         `db:"delivery_key"`
	MessageID   sql.NullString `db:"message_id"`
	FirstSeenAt int64          `db:"first_seen_at"`
}

type reactionRow struct {
	ID        string `db:"id"`
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
	Emoji     string `db:"emoji"`
	CreatedAt int64  `db:"created_at"`
}

const (
	contactColumns      = `id, workspace_id, phone, name, avatar_url, tag_ids, created_at`
	conversationColumns = `id, workspace_id, contact_id, channel_number_id, conv_key, remote_id, is_group, pipeline_id, stage_id, last_message_at, unread_count, is_typing, created_at`
	messageColumns      = `id, conversation_id, workspace_id, body, type, status, is_outgoing, external_id, client_message_id, reply_to_id, media_url, sender_name, error_message, created_at`
)

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapContact(r contactRow) (models.Contact, error) {
	if r.ID == "" || r.WorkspaceID == "" || r.Phone == "" {
		return models.Contact{}, apperr.Validation("store.mapContact", "contact row %q is missing identity columns", r.ID)
	}
	c := models.Contact{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Phone:       r.Phone,
		Name:        r.Name,
		AvatarURL:   r.AvatarURL,
		CreatedAt:   fromMillis(r.CreatedAt),
	}
	if r.TagIDs != "" {
		c.TagIDs = strings.Split(r.TagIDs, ",")
	}
	return c, nil
}

func mapConversation(r conversationRow) (models.Conversation, error) {
	if r.ID == "" || r.WorkspaceID == "" || r.ChannelNumberID == "" {
		return models.Conversation{}, apperr.Validation("store.mapConversation", "conversation row %q is missing identity columns", r.ID)
	}
	c := models.Conversation{
		ID:              r.ID,
		WorkspaceID:     r.WorkspaceID,
		ContactID:       r.ContactID,
		ChannelNumberID: r.ChannelNumberID,
		RemoteID:        r.RemoteID,
		IsGroup:         r.IsGroup,
		PipelineID:      r.PipelineID,
		StageID:         r.StageID,
		UnreadCount:     r.UnreadCount,
		IsTyping:        r.IsTyping,
		CreatedAt:       fromMillis(r.CreatedAt),
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if r.LastMessageAt.Valid {
		at := fromMillis(r.LastMessageAt.Int64)
		c.LastMessageAt = &at
	}
	return c, nil
}

func mapMessage(r messageRow) (models.Message, error) {
	if r.ID == "" || r.ConversationID == "" {
		return models.Message{}, apperr.Validation("store.mapMessage", "message row %q is missing identity columns", r.ID)
	}
	status := models.Status(r.Status)
	if !status.Valid() {
		return models.Message{}, apperr.Validation("store.mapMessage", "message %s has unknown status %q", r.ID, r.Status)
	}
	msgType := models.MessageType(r.Type)
	if !msgType.Valid() {
		msgType = models.TypeText
	}
	return models.Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		WorkspaceID:     r.WorkspaceID,
		Body:            r.Body,
		Type:            msgType,
		Status:          status,
		IsOutgoing:      r.IsOutgoing,
		ExternalID:      r.ExternalID.String,
		ClientMessageID: r.ClientMessageID.String,
		ReplyToID:       r.ReplyToID.String,
		MediaURL:        r.MediaURL,
		SenderName:      r.SenderName,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       fromMillis(r.CreatedAt),
	}, nil
}

func mapDelivery(r deliveryRow) models.DeliveryRecord {
	return models.DeliveryRecord{
		DeliveryKey: r.DeliveryKey,
		MessageID:   r.MessageID.String,
		FirstSeenAt: fromMillis(r.FirstSeenAt),
	}
}

func mapReaction(r reactionRow) models.Reaction {
	return models.Reaction{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}
