// Package ingest turns provider webhook bodies into stored messages, status
// changes and typing indicators, exactly once per delivery key.
package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/metrics"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/internal/resolver"
	"wuzapi-relay/internal/store"
)

// MessageStore is the persistence the ingestion pipeline needs.
type MessageStore interface {
	Ingest(ctx context.Context, deliveryKey, conversationID string, attrs store.MessageAttrs) (models.Message, bool, error)
	RecordDelivery(ctx context.Context, deliveryKey string) (bool, error)
	ForgetDelivery(ctx context.Context, deliveryKey string) error
	FindByProviderID(ctx context.Context, workspaceID, providerID string) (models.Message, error)
	AdvanceStatus(ctx context.Context, messageID string, next models.Status, opts store.AdvanceOpts) (models.Message, bool, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	FindConversation(ctx context.Context, key store.EntityKey) (models.Conversation, error)
	SetTyping(ctx context.Context, id string, typing bool) (models.Conversation, error)
}

type InstanceLookup interface {
	Lookup(ctx context.Context, instanceID string) (models.Instance, error)
}

type EntityResolver interface {
	Resolve(ctx context.Context, p resolver.Params) (models.Contact, models.Conversation, error)
}

// Ingestor runs the inbound pipeline: keyer, resolver, store, broadcaster.
type Ingestor struct {
	store     MessageStore
	instances InstanceLookup
	resolver  EntityResolver
	publisher realtime.Publisher
	metrics   *metrics.Metrics
}

// NewIngestor creates a new Ingestor. m may be nil.
func NewIngestor(s MessageStore, instances InstanceLookup, r EntityResolver, pub realtime.Publisher, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: s, instances: instances, resolver: r, publisher: pub, metrics: m}
}

// Result describes what one webhook delivery did.
type Result struct {
	Kind        Kind             `json:"kind"`
	DeliveryKey string           `json:"deliveryKey,omitempty"`
	Duplicate   bool             `json:"duplicate"`
	Ignored     bool             `json:"ignored,omitempty"`
	Message     *models.Message  `json:"message,omitempty"`
	Updated     []models.Message `json:"updated,omitempty"`
}

// Handle processes one raw webhook body. Duplicates are successful no-ops.
// Validation and NotFound errors mean the body can never succeed; any other
// error is transient and the provider should redeliver.
func (in *Ingestor) Handle(ctx context.Context, raw []byte) (Result, error) {
	ev, err := Decode(raw)
	if err != nil {
		in.metrics.Ingested(string(KindOther), metrics.OutcomeError)
		return Result{}, err
	}

	inst, err := in.instances.Lookup(ctx, ev.InstanceID)
	if err != nil {
		in.metrics.Ingested(string(ev.Kind()), metrics.OutcomeError)
		return Result{}, err
	}

	var res Result
	switch kind := ev.Kind(); kind {
	case KindMessage:
		res, err = in.handleMessage(ctx, inst, ev, raw)
	case KindStatus:
		res, err = in.handleStatus(ctx, inst, ev, raw)
	case KindPresence:
		res, err = in.handlePresence(ctx, inst, ev)
	default:
		log.Debug().Str("eventType", ev.Name()).Str("instanceID", ev.InstanceID).Msg("Ignoring unsupported event type")
		res = Result{Kind: kind, Ignored: true}
	}

	switch {
	case err != nil:
		in.metrics.Ingested(string(ev.Kind()), metrics.OutcomeError)
	case res.Ignored:
		in.metrics.Ingested(string(res.Kind), metrics.OutcomeIgnored)
	case res.Duplicate:
		in.metrics.Ingested(string(res.Kind), metrics.OutcomeDuplicate)
	default:
		in.metrics.Ingested(string(res.Kind), metrics.OutcomeCreated)
	}
	return res, err
}

func (in *Ingestor) handleMessage(ctx context.Context, inst models.Instance, ev Event, raw []byte) (Result, error) {
	const op = "ingest.handleMessage"

	m, ok := ev.InboundMessage()
	if !ok {
		return Result{}, apperr.Validation(op, "message event without a message")
	}
	if m.Body == "" && m.MediaURL == "" {
		return Result{}, apperr.Validation(op, "message %q has no content", m.ID)
	}

	outgoing := m.FromMe || !resolver.IsIncomingSender(m.Sender)
	params := resolver.Params{
		WorkspaceID:     inst.WorkspaceID,
		ChannelNumberID: inst.ChannelNumberID,
	}
	switch {
	case resolver.IsGroupJID(m.Chat):
		params.GroupID = m.Chat
		params.Phone = m.Sender
	case outgoing:
		params.Phone = firstNonEmpty(m.Recipient, m.Chat)
	default:
		params.Phone = firstNonEmpty(m.Sender, m.Chat)
		params.Name = m.Name
	}

	key := DeliveryKey(inst.Provider, string(KindMessage), ev.InstanceID, raw, firstNonEmpty(ev.EventID, m.ID))
	res := Result{Kind: KindMessage, DeliveryKey: key}

	_, conv, err := in.resolver.Resolve(ctx, params)
	if err != nil {
		return res, err
	}

	attrs := store.MessageAttrs{
		Body:       m.Body,
		Type:       m.Type,
		Status:     models.StatusDelivered,
		IsOutgoing: outgoing,
		ExternalID: m.ID,
		ReplyToID:  m.ReplyTo,
		MediaURL:   m.MediaURL,
		SenderName: m.Name,
		CreatedAt:  m.Timestamp,
	}
	if outgoing {
		attrs.Status = models.StatusSent
	}

	msg, created, err := in.store.Ingest(ctx, key, conv.ID, attrs)
	if err != nil {
		log.Error().Err(err).Str("deliveryKey", key).Str("conversationID", conv.ID).Msg("Failed to ingest message")
		return res, err
	}
	res.Message = &msg
	res.Duplicate = !created
	if !created {
		log.Debug().Str("deliveryKey", key).Str("messageID", msg.ID).Msg("Duplicate delivery, message already stored")
		return res, nil
	}

	log.Info().
		Str("messageID", msg.ID).
		Str("conversationID", conv.ID).
		Str("workspaceID", inst.WorkspaceID).
		Bool("outgoing", outgoing).
		Msg("Message ingested")

	in.publisher.Publish(realtime.MessageEvent(realtime.EventInsert, msg))
	if updated, err := in.store.GetConversation(ctx, conv.ID); err == nil {
		in.publisher.Publish(realtime.ConversationEvent(updated))
	} else {
		log.Warn().Err(err).Str("conversationID", conv.ID).Msg("Failed to reload conversation after ingest")
	}
	return res, nil
}

func (in *Ingestor) handleStatus(ctx context.Context, inst models.Instance, ev Event, raw []byte) (Result, error) {
	const op = "ingest.handleStatus"

	ids, status, ok := ev.StatusUpdate()
	if !ok {
		return Result{}, apperr.Validation(op, "status event without message ids or a known status")
	}

	key := DeliveryKey(inst.Provider, string(KindStatus), ev.InstanceID, raw, ev.EventID)
	res := Result{Kind: KindStatus, DeliveryKey: key}

	fresh, err := in.store.RecordDelivery(ctx, key)
	if err != nil {
		return res, err
	}
	if !fresh {
		res.Duplicate = true
		return res, nil
	}

	matched := 0
	for _, externalID := range ids {
		msg, err := in.store.FindByProviderID(ctx, inst.WorkspaceID, externalID)
		if errors.Is(err, apperr.ErrNotFound) {
			log.Debug().Str("externalID", externalID).Str("status", string(status)).Msg("Status for unknown message, skipping")
			continue
		}
		if err == nil {
			matched++
			var changed bool
			msg, changed, err = in.store.AdvanceStatus(ctx, msg.ID, status, store.AdvanceOpts{})
			if err == nil && changed {
				in.metrics.StatusChanged(string(status))
				res.Updated = append(res.Updated, msg)
				in.publisher.Publish(realtime.MessageEvent(realtime.EventUpdate, msg))
			}
		}
		if err != nil {
			if ferr := in.store.ForgetDelivery(ctx, key); ferr != nil {
				log.Error().Err(ferr).Str("deliveryKey", key).Msg("Failed to release delivery key after status failure")
			}
			return res, err
		}
	}

	if matched == 0 {
		// Nothing to apply yet; a redelivery must not be taken for a duplicate.
		if err := in.store.ForgetDelivery(ctx, key); err != nil {
			log.Warn().Err(err).Str("deliveryKey", key).Msg("Failed to release delivery key of unmatched status")
		}
	}

	log.Debug().Str("status", string(status)).Int("messages", len(ids)).Int("updated", len(res.Updated)).Msg("Status event processed")
	return res, nil
}

func (in *Ingestor) handlePresence(ctx context.Context, inst models.Instance, ev Event) (Result, error) {
	const op = "ingest.handlePresence"
	res := Result{Kind: KindPresence}

	chat, typing, ok := ev.PresenceUpdate()
	if !ok {
		return res, apperr.Validation(op, "presence event without a chat")
	}

	key := store.EntityKey{WorkspaceID: inst.WorkspaceID, ChannelNumberID: inst.ChannelNumberID}
	if resolver.IsGroupJID(chat) {
		key.GroupID = chat
	} else {
		phone, err := resolver.NormalizePhone(chat)
		if err != nil {
			return res, err
		}
		key.Phone = phone
	}

	conv, err := in.store.FindConversation(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		res.Ignored = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if conv.IsTyping == typing {
		res.Duplicate = true
		return res, nil
	}

	conv, err = in.store.SetTyping(ctx, conv.ID, typing)
	if err != nil {
		return res, err
	}
	in.publisher.Publish(realtime.ConversationEvent(conv))
	return res, nil
}
