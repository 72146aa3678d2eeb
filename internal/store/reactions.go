package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
)

// ToggleReaction adds emoji from userID to the message, or removes it when
// already present. It reports whether the reaction now exists.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	const op = "store.ToggleReaction"

	emoji = strings.TrimSpace(emoji)
	if userID == "" || emoji == "" {
		return false, apperr.Validation(op, "user and emoji are required")
	}

	var added bool
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		if _, err := getMessage(ctx, tx, messageID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`), messageID, userID, emoji)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`), s.newID(), messageID, userID, emoji, toMillis(s.now()))
		added = err == nil
		return err
	})
	return added, err
}

func (s *Store) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	var rows []reactionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, message_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ? ORDER BY created_at, id`), messageID)
	if err != nil {
		return nil, apperr.Infrastructure("store.ListReactions", err)
	}
	out := make([]models.Reaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, mapReaction(r))
	}
	return out, nil
}
