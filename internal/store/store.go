// Package store persists contacts, conversations, messages, delivery records
// and reactions. Uniqueness constraints in the schema are the only
// synchronization between concurrent writers: inserts use ON CONFLICT DO
// NOTHING and a skipped insert is answered by re-reading the winning row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
)

const DefaultEchoWindow = 20

type Options struct {
	// EchoWindow is how many recent messages of a conversation are compared
	// against an inbound message before it is inserted.
	EchoWindow int
	Now        func() time.Time
	NewID      func() string
}

type Store struct {
	db         *sqlx.DB
	echoWindow int
	now        func() time.Time
	newID      func() string
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	Rebind(query string) string
}

// txQueryer is the part of *sqlx.Tx the entity resolution steps use.
type txQueryer interface {
	queryer
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func New(db *sqlx.DB, opts Options) *Store {
	s := &Store{
		db:         db,
		echoWindow: opts.EchoWindow,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if s.echoWindow <= 0 {
		s.echoWindow = DefaultEchoWindow
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	return s
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return apperr.Infrastructure("store.Ping", s.db.PingContext(ctx))
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Infrastructure(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn().Err(rbErr).Str("op", op).Msg("Rollback failed")
		}
		return apperr.Infrastructure(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Infrastructure(op, err)
	}
	return nil
}
