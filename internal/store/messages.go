package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/db"
	"wuzapi-relay/internal/models"
)

// MessageAttrs are the caller supplied fields of a new message.
type MessageAttrs struct {
	Body       string
	Type       models.MessageType
	Status     models.Status
	IsOutgoing bool
	ExternalID string
	ReplyToID  string
	MediaURL   string
	SenderName string
	CreatedAt  time.Time
}

// AdvanceOpts carries the optional fields attached by a status transition.
type AdvanceOpts struct {
	ExternalID   string
	MediaURL     string
	ErrorMessage string
}

func (s *Store) newMessageRow(conv models.Conversation, attrs MessageAttrs) (messageRow, error) {
	msgType := attrs.Type
	if msgType == "" {
		msgType = models.TypeText
	}
	if !msgType.Valid() {
		return messageRow{}, apperr.Validation("store.newMessage", "unsupported message type %q", attrs.Type)
	}
	if !attrs.Status.Valid() {
		return messageRow{}, apperr.Validation("store.newMessage", "unsupported status %q", attrs.Status)
	}
	createdAt := attrs.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return messageRow{
		ID:             s.newID(),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Body:           attrs.Body,
		Type:           string(msgType),
		Status:         string(attrs.Status),
		IsOutgoing:     attrs.IsOutgoing,
		ExternalID:     nullString(attrs.ExternalID),
		ReplyToID:      nullString(attrs.ReplyToID),
		MediaURL:       attrs.MediaURL,
		SenderName:     attrs.SenderName,
		CreatedAt:      toMillis(createdAt),
	}, nil
}

const insertMessageSQL = `INSERT INTO messages (` + messageColumns + `)
	VALUES (:id, :conversation_id, :workspace_id, :body, :type, :status, :is_outgoing, :external_id,
		:client_message_id, :reply_to_id, :media_url, :sender_name, :error_message, :created_at)
	ON CONFLICT DO NOTHING`

// Ingest stores an inbound message exactly once per delivery key. A repeated
// key, or an echo of a message already present in the conversation, returns
// the stored message with created=false and leaves the conversation untouched.
func (s *Store) Ingest(ctx context.Context, deliveryKey, conversationID string, attrs MessageAttrs) (models.Message, bool, error) {
	const op = "store.Ingest"

	if deliveryKey == "" {
		return models.Message{}, false, apperr.Validation(op, "delivery key is required")
	}
	if attrs.Status == "" {
		attrs.Status = models.StatusSent
	}

	var msg models.Message
	var created bool
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		conv, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		row, err := s.newMessageRow(conv, attrs)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO deliveries (delivery_key, message_id, first_seen_at)
			VALUES (?, NULL, ?) ON CONFLICT DO NOTHING`), deliveryKey, toMillis(s.now()))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var d deliveryRow
			if err := tx.GetContext(ctx, &d, tx.Rebind(`SELECT delivery_key, message_id, first_seen_at FROM deliveries WHERE delivery_key = ?`), deliveryKey); err != nil {
				return err
			}
			if d.MessageID.Valid {
				msg, err = getMessage(ctx, tx, d.MessageID.String)
				return err
			}
			log.Warn().Str("deliveryKey", deliveryKey).Msg("Delivery recorded without a message, storing message now")
		}

		if attrs.ExternalID != "" {
			echoID, err := s.findEcho(ctx, tx, conv.ID, attrs.ExternalID)
			if err != nil {
				return err
			}
			if echoID != "" {
				log.Debug().Str("conversationID", conv.ID).Str("externalID", attrs.ExternalID).Str("messageID", echoID).Msg("Echo of a recent message, not inserting")
				if err := linkDelivery(ctx, tx, deliveryKey, echoID); err != nil {
					return err
				}
				msg, err = getMessage(ctx, tx, echoID)
				return err
			}
		}

		res, err = tx.NamedExecContext(ctx, insertMessageSQL, row)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			// Same external id outside the echo window.
			existing, err := findByExternalID(ctx, tx, conv.WorkspaceID, attrs.ExternalID)
			if err != nil {
				return err
			}
			if err := linkDelivery(ctx, tx, deliveryKey, existing.ID); err != nil {
				return err
			}
			msg = existing
			return nil
		}

		if err := linkDelivery(ctx, tx, deliveryKey, row.ID); err != nil {
			return err
		}
		unread := 0
		if !attrs.IsOutgoing {
			unread = 1
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(bumpConversationSQL), row.CreatedAt, row.CreatedAt, unread, conv.ID); err != nil {
			return err
		}
		if msg, err = mapMessage(row); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, created, nil
}

// findEcho looks for a message among the last echoWindow messages of the
// conversation whose external id or id equals externalID.
func (s *Store) findEcho(ctx context.Context, q queryer, conversationID, externalID string) (string, error) {
	var id string
	err := sqlx.GetContext(ctx, q, &id, q.Rebind(`SELECT id FROM (
			SELECT id, external_id FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) recent WHERE external_id = ? OR id = ? LIMIT 1`),
		conversationID, s.echoWindow, externalID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func linkDelivery(ctx context.Context, q queryer, deliveryKey, messageID string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE deliveries SET message_id = ? WHERE delivery_key = ?`), messageID, deliveryKey)
	return err
}

// CreateOutbound stores a locally authored message in status sending. A
// repeated clientMessageID returns the first message with created=false.
func (s *Store) CreateOutbound(ctx context.Context, clientMessageID, conversationID string, attrs MessageAttrs) (models.Message, bool, error) {
	const op = "store.CreateOutbound"

	attrs.Status = models.StatusSending
	attrs.IsOutgoing = true
	attrs.ExternalID = ""

	var msg models.Message
	var created bool
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		conv, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		row, err := s.newMessageRow(conv, attrs)
		if err != nil {
			return err
		}
		row.ClientMessageID = nullString(clientMessageID)

		res, err := tx.NamedExecContext(ctx, insertMessageSQL, row)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var existing messageRow
			err := tx.GetContext(ctx, &existing, tx.Rebind(`SELECT `+messageColumns+` FROM messages
				WHERE workspace_id = ? AND client_message_id = ?`), conv.WorkspaceID, clientMessageID)
			if err != nil {
				return err
			}
			msg, err = mapMessage(existing)
			return err
		}
		if msg, err = mapMessage(row); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, created, nil
}

// AdvanceStatus moves a message forward to next. Backward and post-terminal
// transitions are ignored and reported with changed=false. Repeating the
// current status only attaches an external id or media url the message lacks.
func (s *Store) AdvanceStatus(ctx context.Context, messageID string, next models.Status, opts AdvanceOpts) (models.Message, bool, error) {
	const op = "store.AdvanceStatus"

	if !next.Valid() {
		return models.Message{}, false, apperr.Validation(op, "unsupported status %q", next)
	}
	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}

	var query string
	var args []any
	switch {
	case current.Status == next:
		if (opts.ExternalID == "" || current.ExternalID != "") && (opts.MediaURL == "" || current.MediaURL != "") {
			return current, false, nil
		}
		query = `UPDATE messages SET
			external_id = COALESCE(external_id, ?),
			media_url = CASE WHEN media_url = '' THEN ? ELSE media_url END
			WHERE id = ? AND status = ?`
		args = []any{nullString(opts.ExternalID), opts.MediaURL, messageID, string(next)}
	case current.Status.CanAdvanceTo(next):
		preds := next.Predecessors()
		from := make([]string, 0, len(preds))
		for _, p := range preds {
			from = append(from, string(p))
		}
		query, args, err = sqlx.In(`UPDATE messages SET
			status = ?,
			external_id = COALESCE(external_id, ?),
			media_url = CASE WHEN media_url = '' THEN ? ELSE media_url END,
			error_message = CASE WHEN ? <> '' THEN ? ELSE error_message END
			WHERE id = ? AND status IN (?)`,
			string(next), nullString(opts.ExternalID), opts.MediaURL, opts.ErrorMessage, opts.ErrorMessage, messageID, from)
		if err != nil {
			return models.Message{}, false, apperr.Infrastructure(op, err)
		}
	default:
		log.Debug().Str("messageID", messageID).Str("from", string(current.Status)).Str("to", string(next)).Msg("Ignoring backward status transition")
		return current, false, nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil && opts.ExternalID != "" && db.IsUniqueViolation(err) {
		merged, absorbed, mergeErr := s.absorbEcho(ctx, messageID, next, opts)
		if mergeErr != nil {
			return models.Message{}, false, mergeErr
		}
		if absorbed {
			return merged, true, nil
		}
		log.Warn().Str("messageID", messageID).Str("externalID", opts.ExternalID).Msg("External id already stored on another message, advancing without it")
		opts.ExternalID = ""
		return s.AdvanceStatus(ctx, messageID, next, opts)
	}
	if err != nil {
		return models.Message{}, false, apperr.Infrastructure(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, false, apperr.Infrastructure(op, err)
	}
	updated, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	return updated, n > 0, nil
}

// absorbEcho handles a provider echo that was ingested before the send that
// produced it returned. The echo row holds externalID; it is folded into the
// outbound message, which takes over its delivery records, reactions, replies
// and any status the echo already reached. Only an outgoing message of the
// same conversation without a client message id counts as an echo.
func (s *Store) absorbEcho(ctx context.Context, messageID string, next models.Status, opts AdvanceOpts) (models.Message, bool, error) {
	const op = "store.absorbEcho"

	var merged models.Message
	var absorbed bool
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		out, err := getMessage(ctx, tx, messageID)
		if err != nil || out.ExternalID != "" {
			return err
		}
		echo, err := findByExternalID(ctx, tx, out.WorkspaceID, opts.ExternalID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if echo.ID == out.ID || !echo.IsOutgoing || echo.ClientMessageID != "" || echo.ConversationID != out.ConversationID {
			return nil
		}

		status := out.Status
		for _, st := range []models.Status{next, echo.Status} {
			if status.CanAdvanceTo(st) {
				status = st
			}
		}

		steps := []struct {
			query string
			args  []any
		}{
			{`UPDATE deliveries SET message_id = ? WHERE message_id = ?`, []any{out.ID, echo.ID}},
			{`UPDATE reactions SET message_id = ? WHERE message_id = ? AND NOT EXISTS (
				SELECT 1 FROM reactions r WHERE r.message_id = ? AND r.user_id = reactions.user_id AND r.emoji = reactions.emoji)`,
				[]any{out.ID, echo.ID, out.ID}},
			{`DELETE FROM reactions WHERE message_id = ?`, []any{echo.ID}},
			{`UPDATE messages SET reply_to_id = ? WHERE reply_to_id = ?`, []any{out.ID, echo.ID}},
			{`DELETE FROM messages WHERE id = ?`, []any{echo.ID}},
			{`UPDATE messages SET
				status = ?,
				external_id = ?,
				media_url = CASE WHEN media_url = '' THEN ? ELSE media_url END
				WHERE id = ?`, []any{string(status), opts.ExternalID, opts.MediaURL, out.ID}},
		}
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, tx.Rebind(st.query), st.args...); err != nil {
				return err
			}
		}

		if merged, err = getMessage(ctx, tx, out.ID); err != nil {
			return err
		}
		absorbed = true
		log.Info().
			Str("messageID", out.ID).
			Str("echoID", echo.ID).
			Str("externalID", opts.ExternalID).
			Str("status", string(status)).
			Msg("Folded early provider echo into outbound message")
		return nil
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return merged, absorbed, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return getMessage(ctx, s.db, id)
}

func getMessage(ctx context.Context, q queryer, id string) (models.Message, error) {
	const op = "store.GetMessage"
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.NotFound(op, "message %s", id)
	}
	if err != nil {
		return models.Message{}, apperr.Infrastructure(op, err)
	}
	return mapMessage(row)
}

// FindByExternalID returns the message the provider knows as externalID.
func (s *Store) FindByExternalID(ctx context.Context, workspaceID, externalID string) (models.Message, error) {
	return findByExternalID(ctx, s.db, workspaceID, externalID)
}

// FindByProviderID resolves the target of a provider receipt. Besides the
// external id it matches an outbound message still waiting for the provider's
// answer whose own id was handed to the provider.
func (s *Store) FindByProviderID(ctx context.Context, workspaceID, providerID string) (models.Message, error) {
	const op = "store.FindByProviderID"

	msg, err := findByExternalID(ctx, s.db, workspaceID, providerID)
	if !errors.Is(err, apperr.ErrNotFound) {
		return msg, err
	}
	var row messageRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ? AND id = ? AND is_outgoing = ? AND external_id IS NULL`), workspaceID, providerID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.NotFound(op, "message with provider id %s", providerID)
	}
	if err != nil {
		return models.Message{}, apperr.Infrastructure(op, err)
	}
	return mapMessage(row)
}

// FindByClientMessageID returns the message a client created with
// clientMessageID in the workspace.
func (s *Store) FindByClientMessageID(ctx context.Context, workspaceID, clientMessageID string) (models.Message, error) {
	const op = "store.FindByClientMessageID"
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ? AND client_message_id = ?`), workspaceID, clientMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.NotFound(op, "message with client id %s", clientMessageID)
	}
	if err != nil {
		return models.Message{}, apperr.Infrastructure(op, err)
	}
	return mapMessage(row)
}

func findByExternalID(ctx context.Context, q queryer, workspaceID, externalID string) (models.Message, error) {
	const op = "store.FindByExternalID"
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+messageColumns+` FROM messages
		WHERE workspace_id = ? AND external_id = ?`), workspaceID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.NotFound(op, "message with external id %s", externalID)
	}
	if err != nil {
		return models.Message{}, apperr.Infrastructure(op, err)
	}
	return mapMessage(row)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 50
)

// ListMessages returns one page of a conversation, newest first. When
// beforeID is set the page starts right after that message.
func (s *Store) ListMessages(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error) {
	const op = "store.ListMessages"

	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var rows []messageRow
	var err error
	if beforeID == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`), conversationID, limit)
	} else {
		cursor, cerr := s.GetMessage(ctx, beforeID)
		if cerr != nil {
			return nil, cerr
		}
		if cursor.ConversationID != conversationID {
			return nil, apperr.Validation(op, "message %s does not belong to conversation %s", beforeID, conversationID)
		}
		at := toMillis(cursor.CreatedAt)
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC LIMIT ?`), conversationID, at, at, cursor.ID, limit)
	}
	if err != nil {
		return nil, apperr.Infrastructure(op, err)
	}

	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		m, err := mapMessage(r)
		if err != nil {
			log.Warn().Err(err).Str("conversationID", conversationID).Msg("Skipping unreadable message row")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// RecordDelivery marks a provider event that does not create a message as
// seen. It reports false when the key was already recorded.
func (s *Store) RecordDelivery(ctx context.Context, deliveryKey string) (bool, error) {
	const op = "store.RecordDelivery"
	if deliveryKey == "" {
		return false, apperr.Validation(op, "delivery key is required")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO deliveries (delivery_key, message_id, first_seen_at)
		VALUES (?, NULL, ?) ON CONFLICT DO NOTHING`), deliveryKey, toMillis(s.now()))
	if err != nil {
		return false, apperr.Infrastructure(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Infrastructure(op, err)
	}
	return n > 0, nil
}

// ForgetDelivery removes a delivery record so the provider can redeliver the
// event. Used when processing after RecordDelivery failed.
func (s *Store) ForgetDelivery(ctx context.Context, deliveryKey string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM deliveries WHERE delivery_key = ? AND message_id IS NULL`), deliveryKey)
	return apperr.Infrastructure("store.ForgetDelivery", err)
}

func (s *Store) GetDelivery(ctx context.Context, deliveryKey string) (models.DeliveryRecord, error) {
	const op = "store.GetDelivery"
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT delivery_key, message_id, first_seen_at FROM deliveries WHERE delivery_key = ?`), deliveryKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryRecord{}, apperr.NotFound(op, "delivery %s", deliveryKey)
	}
	if err != nil {
		return models.DeliveryRecord{}, apperr.Infrastructure(op, err)
	}
	return mapDelivery(row), nil
}

// PruneDeliveries deletes delivery records first seen before cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.PruneDeliveries"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM deliveries WHERE first_seen_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, apperr.Infrastructure(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Infrastructure(op, err)
	}
	return n, nil
}
