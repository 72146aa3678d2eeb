// Package resolver maps the raw identifiers of a provider event onto the
// canonical contact and conversation of a workspace.
package resolver

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/store"
)

// EntityStore creates or returns contact/conversation pairs.
type EntityStore interface {
	EnsureContactConversation(ctx context.Context, key store.EntityKey) (models.Contact, models.Conversation, error)
}

type Resolver struct {
	store EntityStore
}

// NewResolver creates a new Resolver backed by s.
func NewResolver(s EntityStore) *Resolver {
	return &Resolver{store: s}
}

// Params are the raw identifiers of one event.
type Params struct {
	WorkspaceID     string
	ChannelNumberID string
	// Phone is the raw sender or recipient number. Required for direct chats.
	Phone string
	// GroupID is the group JID for group chats.
	GroupID   string
	Name      string
	AvatarURL string
}

// Resolve returns the contact and conversation for p, creating them when
// absent. The contact is the zero value for group events whose participant
// is not a usable phone number.
func (r *Resolver) Resolve(ctx context.Context, p Params) (models.Contact, models.Conversation, error) {
	key := store.EntityKey{
		WorkspaceID:     p.WorkspaceID,
		ChannelNumberID: p.ChannelNumberID,
		GroupID:         p.GroupID,
		Name:            p.Name,
		AvatarURL:       p.AvatarURL,
	}

	phone, err := NormalizePhone(p.Phone)
	switch {
	case err == nil:
		key.Phone = phone
	case p.GroupID == "":
		return models.Contact{}, models.Conversation{}, err
	default:
		log.Debug().Str("groupID", p.GroupID).Str("participant", p.Phone).Msg("Group participant is not a phone number, resolving group only")
	}

	contact, conv, err := r.store.EnsureContactConversation(ctx, key)
	if err != nil {
		if !errors.Is(err, apperr.ErrValidation) {
			log.Error().Err(err).Str("workspaceID", p.WorkspaceID).Str("phone", key.Phone).Msg("Failed to resolve contact and conversation")
		}
		return models.Contact{}, models.Conversation{}, err
	}
	return contact, conv, nil
}
