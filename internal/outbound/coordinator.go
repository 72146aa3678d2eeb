// Package outbound sends locally authored messages through the provider and
// records their status.
package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/media"
	"wuzapi-relay/internal/metrics"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/provider"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/internal/store"
)

const DefaultProviderTimeout = 30 * time.Second

// Send outcomes reported to metrics.
const (
	outcomeSent        = "sent"
	outcomeFailed      = "failed"
	outcomeDuplicate   = "duplicate"
	outcomeRateLimited = "rate_limited"
)

type MessageStore interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	GetContact(ctx context.Context, id string) (models.Contact, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	FindByClientMessageID(ctx context.Context, workspaceID, clientMessageID string) (models.Message, error)
	CreateOutbound(ctx context.Context, clientMessageID, conversationID string, attrs store.MessageAttrs) (models.Message, bool, error)
	AdvanceStatus(ctx context.Context, messageID string, next models.Status, opts store.AdvanceOpts) (models.Message, bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

type InstanceDirectory interface {
	ForChannel(ctx context.Context, workspaceID, channelNumberID string) (models.Instance, error)
}

// MediaStore persists outbound media and returns its public URL.
type MediaStore interface {
	Store(ctx context.Context, obj media.Object) (string, error)
}

type Options struct {
	ProviderTimeout time.Duration
	RatePerSec      float64
	Burst           int
	// Media is optional; without it media is sent without a stored copy.
	Media MediaStore
}

// Coordinator drives outbound sends: store as sending, call the provider,
// then advance to sent or failed.
type Coordinator struct {
	store     MessageStore
	instances InstanceDirectory
	sender    provider.Sender
	publisher realtime.Publisher
	metrics   *metrics.Metrics
	media     MediaStore
	limiter   *limiterPool
	timeout   time.Duration
}

// NewCoordinator creates a new Coordinator. m may be nil.
func NewCoordinator(s MessageStore, instances InstanceDirectory, sender provider.Sender, pub realtime.Publisher, m *metrics.Metrics, opts Options) *Coordinator {
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Coordinator{
		store:     s,
		instances: instances,
		sender:    sender,
		publisher: pub,
		metrics:   m,
		media:     opts.Media,
		limiter:   newLimiterPool(opts.RatePerSec, opts.Burst),
		timeout:   timeout,
	}
}

// SendRequest is a text send.
type SendRequest struct {
	ConversationID  string             `json:"conversationId"`
	Content         string             `json:"content"`
	Type            models.MessageType `json:"type,omitempty"`
	ClientMessageID string             `json:"clientMessageId"`
	ReplyToID       string             `json:"replyToId,omitempty"`
}

// MediaRequest is a media send. MediaBase64 is plain base64 or a data URL.
type MediaRequest struct {
	ConversationID  string             `json:"conversationId"`
	MediaBase64     string             `json:"mediaBase64"`
	MimeType        string             `json:"mimeType"`
	Type            models.MessageType `json:"type,omitempty"`
	Caption         string             `json:"caption,omitempty"`
	FileName        string             `json:"fileName,omitempty"`
	ClientMessageID string             `json:"clientMessageId"`
	ReplyToID       string             `json:"replyToId,omitempty"`
}

type SendOutcome struct {
	OK         bool            `json:"ok"`
	ExternalID string          `json:"externalId,omitempty"`
	Message    *models.Message `json:"message,omitempty"`
}

// target is everything needed to address the provider for one conversation.
type target struct {
	conv    models.Conversation
	phone   string
	token   string
	replyTo string
	// replay is the stored message of a repeated clientMessageId.
	replay *models.Message
}

// Send stores a text message as sending and delivers it through the provider.
// A provider failure leaves the message failed and is returned together with
// the outcome. A repeated ClientMessageID returns the first message without
// calling the provider again.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (SendOutcome, error) {
	const op = "outbound.Send"

	if req.Type != "" && req.Type != models.TypeText {
		return SendOutcome{}, apperr.Validation(op, "unsupported content type %q for a text send", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return SendOutcome{}, apperr.Validation(op, "content is required")
	}

	t, err := c.prepare(ctx, op, req.ConversationID, req.ClientMessageID, req.ReplyToID)
	if err != nil {
		c.metrics.Sent(string(models.TypeText), c.failureOutcome(err))
		return SendOutcome{}, err
	}
	if t.replay != nil {
		return c.replayed(string(models.TypeText), req.ClientMessageID, *t.replay), nil
	}

	attrs := store.MessageAttrs{Body: req.Content, Type: models.TypeText, ReplyToID: req.ReplyToID}
	return c.deliver(ctx, t, req.ClientMessageID, attrs, func(ctx context.Context, msg models.Message) (provider.SendResult, error) {
		return c.sender.SendText(ctx, t.token, provider.TextRequest{ID: msg.ID, Phone: t.phone, Body: req.Content, ReplyTo: t.replyTo})
	}, nil)
}

// SendMedia decodes the payload, stores it when media storage is configured
// and sends it through the provider. The stored URL is attached on success.
func (c *Coordinator) SendMedia(ctx context.Context, req MediaRequest) (SendOutcome, error) {
	const op = "outbound.SendMedia"

	data, mimeType, err := decodeMedia(req.MediaBase64, req.MimeType)
	if err != nil {
		return SendOutcome{}, apperr.Validation(op, "invalid media payload: %v", err)
	}
	if len(data) == 0 {
		return SendOutcome{}, apperr.Validation(op, "media is required")
	}
	msgType := req.Type
	if msgType == "" {
		msgType = typeForMime(mimeType)
	}
	if !msgType.Valid() || msgType == models.TypeText {
		return SendOutcome{}, apperr.Validation(op, "unsupported media type %q", req.Type)
	}

	t, err := c.prepare(ctx, op, req.ConversationID, req.ClientMessageID, req.ReplyToID)
	if err != nil {
		c.metrics.Sent(string(msgType), c.failureOutcome(err))
		return SendOutcome{}, err
	}
	if t.replay != nil {
		return c.replayed(string(msgType), req.ClientMessageID, *t.replay), nil
	}

	attrs := store.MessageAttrs{Body: req.Caption, Type: msgType, ReplyToID: req.ReplyToID}
	upload := func(ctx context.Context, msg models.Message) string {
		if c.media == nil {
			return ""
		}
		url, err := c.media.Store(ctx, media.Object{
			WorkspaceID:    msg.WorkspaceID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Data:           data,
			MimeType:       mimeType,
			FileName:       req.FileName,
		})
		if err != nil {
			log.Warn().Err(err).Str("messageID", msg.ID).Msg("Failed to store outbound media, sending without a stored copy")
			return ""
		}
		return url
	}
	return c.deliver(ctx, t, req.ClientMessageID, attrs, func(ctx context.Context, msg models.Message) (provider.SendResult, error) {
		return c.sender.SendMedia(ctx, t.token, provider.MediaRequest{
			ID:       msg.ID,
			Phone:    t.phone,
			Type:     msgType,
			Data:     data,
			MimeType: mimeType,
			Caption:  req.Caption,
			FileName: req.FileName,
			ReplyTo:  t.replyTo,
		})
	}, upload)
}

// Forward sends the body of a text message to another conversation as a new
// message.
func (c *Coordinator) Forward(ctx context.Context, messageID, conversationID, clientMessageID string) (SendOutcome, error) {
	src, err := c.textSource(ctx, "outbound.Forward", messageID)
	if err != nil {
		return SendOutcome{}, err
	}
	return c.Send(ctx, SendRequest{ConversationID: conversationID, Content: src.Body, ClientMessageID: clientMessageID})
}

// Resend sends the body of a text message again, as a new message in the same
// conversation.
func (c *Coordinator) Resend(ctx context.Context, messageID, clientMessageID string) (SendOutcome, error) {
	src, err := c.textSource(ctx, "outbound.Resend", messageID)
	if err != nil {
		return SendOutcome{}, err
	}
	return c.Send(ctx, SendRequest{
		ConversationID:  src.ConversationID,
		Content:         src.Body,
		ClientMessageID: clientMessageID,
		ReplyToID:       src.ReplyToID,
	})
}

func (c *Coordinator) textSource(ctx context.Context, op, messageID string) (models.Message, error) {
	src, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if src.Type != models.TypeText {
		return models.Message{}, apperr.Validation(op, "only text messages can be sent again, message %s is %s", src.ID, src.Type)
	}
	return src, nil
}

// prepare resolves the conversation, provider address and token before
// anything is written. A clientMessageId that was already stored is answered
// from the store without taking a rate limit token.
func (c *Coordinator) prepare(ctx context.Context, op, conversationID, clientMessageID, replyToID string) (target, error) {
	if conversationID == "" {
		return target{}, apperr.Validation(op, "conversationId is required")
	}
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return target{}, err
	}
	if clientMessageID != "" {
		prev, err := c.store.FindByClientMessageID(ctx, conv.WorkspaceID, clientMessageID)
		if err == nil {
			return target{conv: conv, replay: &prev}, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return target{}, err
		}
	}
	if !c.limiter.Allow(conv.WorkspaceID) {
		return target{}, ErrRateLimited
	}

	t := target{conv: conv}
	if conv.IsGroup {
		t.phone = conv.RemoteID
	} else {
		contact, err := c.store.GetContact(ctx, conv.ContactID)
		if err != nil {
			return target{}, err
		}
		t.phone = contact.Phone
	}

	inst, err := c.instances.ForChannel(ctx, conv.WorkspaceID, conv.ChannelNumberID)
	if err != nil {
		return target{}, err
	}
	t.token = inst.Token

	if replyToID != "" {
		parent, err := c.store.GetMessage(ctx, replyToID)
		if err != nil {
			return target{}, err
		}
		if parent.ConversationID != conv.ID {
			return target{}, apperr.Validation(op, "reply target %s belongs to another conversation", replyToID)
		}
		t.replyTo = parent.ExternalID
	}
	return t, nil
}

func (c *Coordinator) failureOutcome(err error) string {
	if errors.Is(err, ErrRateLimited) {
		return outcomeRateLimited
	}
	return outcomeFailed
}

// deliver runs the write, provider call and status transition shared by every
// send. upload may be nil.
func (c *Coordinator) deliver(
	ctx context.Context,
	t target,
	clientMessageID string,
	attrs store.MessageAttrs,
	call func(ctx context.Context, msg models.Message) (provider.SendResult, error),
	upload func(ctx context.Context, msg models.Message) string,
) (SendOutcome, error) {
	if clientMessageID == "" {
		clientMessageID = uuid.NewString()
	}
	msgType := string(attrs.Type)

	msg, created, err := c.store.CreateOutbound(ctx, clientMessageID, t.conv.ID, attrs)
	if err != nil {
		c.metrics.Sent(msgType, outcomeFailed)
		return SendOutcome{}, err
	}
	if !created {
		return c.replayed(msgType, clientMessageID, msg), nil
	}
	c.publisher.Publish(realtime.MessageEvent(realtime.EventInsert, msg))

	// The outcome must be recorded even when the caller goes away.
	bg := context.WithoutCancel(ctx)

	var mediaURL string
	if upload != nil {
		mediaURL = upload(bg, msg)
	}

	callCtx, cancel := context.WithTimeout(bg, c.timeout)
	res, sendErr := call(callCtx, msg)
	cancel()

	if sendErr != nil {
		log.Error().
			Err(sendErr).
			Str("messageID", msg.ID).
			Str("conversationID", t.conv.ID).
			Msg("Provider send failed")
		failed, changed, err := c.store.AdvanceStatus(bg, msg.ID, models.StatusFailed, store.AdvanceOpts{ErrorMessage: sendErr.Error(), MediaURL: mediaURL})
		if err != nil {
			log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to mark message as failed")
			failed = msg
		} else if changed {
			c.publisher.Publish(realtime.MessageEvent(realtime.EventUpdate, failed))
		}
		c.metrics.Sent(msgType, outcomeFailed)
		return SendOutcome{OK: false, Message: &failed}, apperr.Infrastructure("outbound.deliver", sendErr)
	}

	sent, changed, err := c.store.AdvanceStatus(bg, msg.ID, models.StatusSent, store.AdvanceOpts{ExternalID: res.ExternalID, MediaURL: mediaURL})
	if err != nil {
		c.metrics.Sent(msgType, outcomeFailed)
		return SendOutcome{OK: false, ExternalID: res.ExternalID, Message: &msg}, err
	}
	if changed {
		c.publisher.Publish(realtime.MessageEvent(realtime.EventUpdate, sent))
	}
	if err := c.store.TouchConversation(bg, t.conv.ID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Str("conversationID", t.conv.ID).Msg("Failed to update conversation after send")
	} else if conv, err := c.store.GetConversation(bg, t.conv.ID); err == nil {
		c.publisher.Publish(realtime.ConversationEvent(conv))
	}

	log.Info().
		Str("messageID", sent.ID).
		Str("externalID", res.ExternalID).
		Str("conversationID", t.conv.ID).
		Str("type", msgType).
		Msg("Message sent")
	c.metrics.Sent(msgType, outcomeSent)
	return SendOutcome{OK: true, ExternalID: res.ExternalID, Message: &sent}, nil
}

// replayed answers a repeated send with the message stored by the first one.
func (c *Coordinator) replayed(msgType, clientMessageID string, msg models.Message) SendOutcome {
	log.Debug().Str("clientMessageID", clientMessageID).Str("messageID", msg.ID).Msg("Repeated send, returning stored message")
	c.metrics.Sent(msgType, outcomeDuplicate)
	return SendOutcome{OK: msg.Status != models.StatusFailed, ExternalID: msg.ExternalID, Message: &msg}
}

// decodeMedia accepts a data URL or plain base64. A data URL's media type is
// used when mimeType is empty.
func decodeMedia(payload, mimeType string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		du, err := dataurl.DecodeString(payload)
		if err != nil {
			return nil, "", err
		}
		if mimeType == "" {
			mimeType = du.MediaType.ContentType()
		}
		return du.Data, mimeType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}

func typeForMime(mimeType string) models.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.TypeAudio
	default:
		return models.TypeDocument
	}
}
