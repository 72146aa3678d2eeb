package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
)

// EntityKey is the natural key of a contact/conversation pair.
type EntityKey struct {
	WorkspaceID     string
	ChannelNumberID string
	// Phone is the normalized sender phone. It may be empty for group events
	// whose participant could not be identified.
	Phone string
	// GroupID is the provider remote id of a group chat. When set the
	// conversation is keyed by it instead of by the contact.
	GroupID   string
	Name      string
	AvatarURL string
}

func (k EntityKey) convKey(contactID string) string {
	if k.GroupID != "" {
		return "group:" + k.GroupID
	}
	return contactID
}

// EnsureContactConversation returns the contact and conversation for key,
// creating whichever is missing. Both are created in one transaction; losing
// a creation race to another writer returns the winner's rows.
func (s *Store) EnsureContactConversation(ctx context.Context, key EntityKey) (models.Contact, models.Conversation, error) {
	const op = "store.EnsureContactConversation"

	if key.WorkspaceID == "" || key.ChannelNumberID == "" {
		return models.Contact{}, models.Conversation{}, apperr.Validation(op, "workspace and channel are required")
	}
	if key.Phone == "" && key.GroupID == "" {
		return models.Contact{}, models.Conversation{}, apperr.Validation(op, "either phone or group id is required")
	}

	var contact models.Contact
	var conversation models.Conversation
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		var err error
		if key.Phone != "" {
			contact, err = s.ensureContactTx(ctx, tx, key)
			if err != nil {
				return err
			}
		}
		conversation, err = s.ensureConversationTx(ctx, tx, key, contact.ID)
		return err
	})
	if err != nil {
		return models.Contact{}, models.Conversation{}, err
	}
	return contact, conversation, nil
}

func (s *Store) ensureContactTx(ctx context.Context, tx txQueryer, key EntityKey) (models.Contact, error) {
	query := tx.Rebind(`SELECT ` + contactColumns + ` FROM contacts WHERE workspace_id = ? AND phone = ?`)

	var row contactRow
	err := tx.GetContext(ctx, &row, query, key.WorkspaceID, key.Phone)
	if err == nil {
		if row.Name == "" && key.Name != "" {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE contacts SET name = ? WHERE id = ? AND name = ''`), key.Name, row.ID); err != nil {
				return models.Contact{}, err
			}
			row.Name = key.Name
		}
		return mapContact(row)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, err
	}

	row = contactRow{
		ID:          s.newID(),
		WorkspaceID: key.WorkspaceID,
		Phone:       key.Phone,
		Name:        key.Name,
		AvatarURL:   key.AvatarURL,
		CreatedAt:   toMillis(s.now()),
	}
	res, err := tx.NamedExecContext(ctx, `INSERT INTO contacts (`+contactColumns+`)
		VALUES (:id, :workspace_id, :phone, :name, :avatar_url, :tag_ids, :created_at)
		ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return models.Contact{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Contact{}, err
	} else if n == 0 {
		log.Debug().Str("workspaceID", key.WorkspaceID).Str("phone", key.Phone).Msg("Contact created concurrently, using existing row")
		if err := tx.GetContext(ctx, &row, query, key.WorkspaceID, key.Phone); err != nil {
			return models.Contact{}, err
		}
	}
	return mapContact(row)
}

func (s *Store) ensureConversationTx(ctx context.Context, tx txQueryer, key EntityKey, contactID string) (models.Conversation, error) {
	query := tx.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE workspace_id = ? AND channel_number_id = ? AND conv_key = ?`)
	convKey := key.convKey(contactID)

	var row conversationRow
	err := tx.GetContext(ctx, &row, query, key.WorkspaceID, key.ChannelNumberID, convKey)
	if err == nil {
		return mapConversation(row)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	row = conversationRow{
		ID:              s.newID(),
		WorkspaceID:     key.WorkspaceID,
		ContactID:       contactID,
		ChannelNumberID: key.ChannelNumberID,
		ConvKey:         convKey,
		RemoteID:        key.GroupID,
		IsGroup:         key.GroupID != "",
		CreatedAt:       toMillis(s.now()),
	}
	if row.IsGroup {
		row.ContactID = ""
	}
	res, err := tx.NamedExecContext(ctx, `INSERT INTO conversations
		(id, workspace_id, contact_id, channel_number_id, conv_key, remote_id, is_group, unread_count, is_typing, created_at)
		VALUES (:id, :workspace_id, :contact_id, :channel_number_id, :conv_key, :remote_id, :is_group, 0, FALSE, :created_at)
		ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return models.Conversation{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Conversation{}, err
	} else if n == 0 {
		log.Debug().Str("workspaceID", key.WorkspaceID).Str("convKey", convKey).Msg("Conversation created concurrently, using existing row")
		row = conversationRow{}
		if err := tx.GetContext(ctx, &row, query, key.WorkspaceID, key.ChannelNumberID, convKey); err != nil {
			return models.Conversation{}, err
		}
	}
	return mapConversation(row)
}

func (s *Store) GetContact(ctx context.Context, id string) (models.Contact, error) {
	const op = "store.GetContact"
	var row contactRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, apperr.NotFound(op, "contact %s", id)
	}
	if err != nil {
		return models.Contact{}, apperr.Infrastructure(op, err)
	}
	return mapContact(row)
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q queryer, id string) (models.Conversation, error) {
	const op = "store.GetConversation"
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, apperr.NotFound(op, "conversation %s", id)
	}
	if err != nil {
		return models.Conversation{}, apperr.Infrastructure(op, err)
	}
	return mapConversation(row)
}

// MarkConversationRead resets the unread counter when an agent opens the conversation.
func (s *Store) MarkConversationRead(ctx context.Context, id string) (models.Conversation, error) {
	const op = "store.MarkConversationRead"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET unread_count = 0 WHERE id = ?`), id)
	if err != nil {
		return models.Conversation{}, apperr.Infrastructure(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Conversation{}, apperr.NotFound(op, "conversation %s", id)
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) SetTyping(ctx context.Context, id string, typing bool) (models.Conversation, error) {
	const op = "store.SetTyping"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET is_typing = ? WHERE id = ?`), typing, id)
	if err != nil {
		return models.Conversation{}, apperr.Infrastructure(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Conversation{}, apperr.NotFound(op, "conversation %s", id)
	}
	return s.GetConversation(ctx, id)
}

// TouchConversation moves last_message_at forward to at. Older timestamps are ignored.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	const op = "store.TouchConversation"
	_, err := s.db.ExecContext(ctx, s.db.Rebind(bumpConversationSQL), toMillis(at), toMillis(at), 0, id)
	return apperr.Infrastructure(op, err)
}

const bumpConversationSQL = `UPDATE conversations SET
	last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END,
	unread_count = unread_count + ?
	WHERE id = ?`

// FindConversation returns the existing conversation for key without
// creating anything.
func (s *Store) FindConversation(ctx context.Context, key EntityKey) (models.Conversation, error) {
	const op = "store.FindConversation"

	contactID := ""
	if key.GroupID == "" {
		err := s.db.GetContext(ctx, &contactID, s.db.Rebind(`SELECT id FROM contacts WHERE workspace_id = ? AND phone = ?`), key.WorkspaceID, key.Phone)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, apperr.NotFound(op, "contact %s", key.Phone)
		}
		if err != nil {
			return models.Conversation{}, apperr.Infrastructure(op, err)
		}
	}

	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+conversationColumns+` FROM conversations
		WHERE workspace_id = ? AND channel_number_id = ? AND conv_key = ?`), key.WorkspaceID, key.ChannelNumberID, key.convKey(contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, apperr.NotFound(op, "conversation for %s", key.convKey(contactID))
	}
	if err != nil {
		return models.Conversation{}, apperr.Infrastructure(op, err)
	}
	return mapConversation(row)
}
