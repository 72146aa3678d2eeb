package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
)

const defaultProvider = "wuzapi"

// UpsertInstance registers a provider instance or replaces its settings.
func (s *Store) UpsertInstance(ctx context.Context, inst models.Instance) (models.Instance, error) {
	const op = "store.UpsertInstance"

	if inst.InstanceID == "" || inst.WorkspaceID == "" || inst.ChannelNumberID == "" {
		return models.Instance{}, apperr.Validation(op, "instanceId, workspaceId and channelNumberId are required")
	}
	if inst.Provider == "" {
		inst.Provider = defaultProvider
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO channel_instances
		(instance_id, workspace_id, channel_number_id, provider, token, webhook_url)
		VALUES (:instance_id, :workspace_id, :channel_number_id, :provider, :token, :webhook_url)
		ON CONFLICT (instance_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			channel_number_id = excluded.channel_number_id,
			provider = excluded.provider,
			token = excluded.token,
			webhook_url = excluded.webhook_url`, inst)
	if err != nil {
		return models.Instance{}, apperr.Infrastructure(op, err)
	}
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (models.Instance, error) {
	const op = "store.GetInstance"
	var inst models.Instance
	err := s.db.GetContext(ctx, &inst, s.db.Rebind(`SELECT instance_id, workspace_id, channel_number_id, provider, token, webhook_url
		FROM channel_instances WHERE instance_id = ?`), instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Instance{}, apperr.NotFound(op, "instance %s", instanceID)
	}
	if err != nil {
		return models.Instance{}, apperr.Infrastructure(op, err)
	}
	return inst, nil
}

// InstanceForChannel finds the instance serving a workspace channel number.
func (s *Store) InstanceForChannel(ctx context.Context, workspaceID, channelNumberID string) (models.Instance, error) {
	const op = "store.InstanceForChannel"
	var inst models.Instance
	err := s.db.GetContext(ctx, &inst, s.db.Rebind(`SELECT instance_id, workspace_id, channel_number_id, provider, token, webhook_url
		FROM channel_instances WHERE workspace_id = ? AND channel_number_id = ?
		ORDER BY instance_id LIMIT 1`), workspaceID, channelNumberID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Instance{}, apperr.NotFound(op, "no instance for channel %s", channelNumberID)
	}
	if err != nil {
		return models.Instance{}, apperr.Infrastructure(op, err)
	}
	return inst, nil
}

const DirectoryTTL = 5 * time.Minute

// Directory caches instance lookups. Entries expire after DirectoryTTL and
// are replaced on Register.
type Directory struct {
	store *Store
	cache *cache.Cache
}

func NewDirectory(s *Store, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DirectoryTTL
	}
	return &Directory{store: s, cache: cache.New(ttl, 2*ttl)}
}

func (d *Directory) Lookup(ctx context.Context, instanceID string) (models.Instance, error) {
	if v, found := d.cache.Get(instanceID); found {
		return v.(models.Instance), nil
	}
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return models.Instance{}, err
	}
	d.cache.SetDefault(instanceID, inst)
	return inst, nil
}

// ForChannel resolves the instance used to send on a workspace channel.
func (d *Directory) ForChannel(ctx context.Context, workspaceID, channelNumberID string) (models.Instance, error) {
	key := "channel:" + workspaceID + ":" + channelNumberID
	if v, found := d.cache.Get(key); found {
		return v.(models.Instance), nil
	}
	inst, err := d.store.InstanceForChannel(ctx, workspaceID, channelNumberID)
	if err != nil {
		return models.Instance{}, err
	}
	d.cache.SetDefault(key, inst)
	return inst, nil
}

func (d *Directory) Register(ctx context.Context, inst models.Instance) (models.Instance, error) {
	saved, err := d.store.UpsertInstance(ctx, inst)
	if err != nil {
		return models.Instance{}, err
	}
	d.cache.Flush()
	d.cache.SetDefault(saved.InstanceID, saved)
	log.Info().Str("instanceID", saved.InstanceID).Str("workspaceID", saved.WorkspaceID).Msg("Instance registered")
	return saved, nil
}

// WebhookURL returns the webhook of the instance serving a conversation, or
// "" when the instance has none.
func (d *Directory) WebhookURL(ctx context.Context, conversationID string) (string, error) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	inst, err := d.ForChannel(ctx, conv.WorkspaceID, conv.ChannelNumberID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return inst.WebhookURL, nil
}
