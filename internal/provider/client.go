// Package provider talks to the wuzapi HTTP API to send outbound messages.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/pkg/httputil"
)

// TextRequest is one outbound text message.
type TextRequest struct {
	// ID is handed to wuzapi as the message id, so echoes and receipts
	// carry it before the send call has returned.
	ID      string
	Phone   string
	Body    string
	ReplyTo string
}

// MediaRequest is one outbound media message. Data holds the raw bytes.
type MediaRequest struct {
	ID       string
	Phone    string
	Type     models.MessageType
	Data     []byte
	MimeType string
	Caption  string
	FileName string
	ReplyTo  string
}

// SendResult is the provider's acknowledgement of a send.
type SendResult struct {
	ExternalID string
	Timestamp  time.Time
}

// Sender sends messages through a provider instance identified by token.
type Sender interface {
	SendText(ctx context.Context, token string, req TextRequest) (SendResult, error)
	SendMedia(ctx context.Context, token string, req MediaRequest) (SendResult, error)
}

type contextInfo struct {
	StanzaID    string `json:"StanzaId"`
	Participant string `json:"Participant,omitempty"`
}

type sendResponse struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Details   string `json:"Details"`
		ID        string `json:"Id"`
		Timestamp int64  `json:"Timestamp"`
	} `json:"data"`
}

// mediaFields maps a message type to its wuzapi endpoint and payload field.
var mediaFields = map[models.MessageType]struct{ path, field string }{
	models.TypeImage:    {"/chat/send/image", "Image"},
	models.TypeVideo:    {"/chat/send/video", "Video"},
	models.TypeAudio:    {"/chat/send/audio", "Audio"},
	models.TypeDocument: {"/chat/send/document", "Document"},
	models.TypeSticker:  {"/chat/send/sticker", "Sticker"},
}

// Client is a Sender backed by the wuzapi REST API.
type Client struct {
	httpClient *resty.Client
}

// NewClient creates a new wuzapi client. timeout bounds every call.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider baseURL cannot be empty")
	}
	client := httputil.NewClient(baseURL, timeout).
		SetHeader("Content-Type", "application/json")

	log.Info().Str("baseURL", baseURL).Dur("timeout", client.GetClient().Timeout).Msg("Provider client configured")
	return &Client{httpClient: client}, nil
}

func (c *Client) SendText(ctx context.Context, token string, req TextRequest) (SendResult, error) {
	if req.Phone == "" || req.Body == "" {
		return SendResult{}, apperr.Validation("provider.SendText", "phone and body are required")
	}
	payload := map[string]any{
		"Phone": req.Phone,
		"Body":  req.Body,
	}
	if req.ID != "" {
		payload["Id"] = req.ID
	}
	if req.ReplyTo != "" {
		payload["ContextInfo"] = contextInfo{StanzaID: req.ReplyTo}
	}
	return c.send(ctx, "provider.SendText", "/chat/send/text", token, payload)
}

func (c *Client) SendMedia(ctx context.Context, token string, req MediaRequest) (SendResult, error) {
	const op = "provider.SendMedia"

	target, ok := mediaFields[req.Type]
	if !ok {
		return SendResult{}, apperr.Validation(op, "message type %q is not a media type", req.Type)
	}
	if req.Phone == "" || len(req.Data) == 0 || req.MimeType == "" {
		return SendResult{}, apperr.Validation(op, "phone, data and mime type are required")
	}

	payload := map[string]any{
		"Phone":      req.Phone,
		target.field: dataurl.New(req.Data, req.MimeType).String(),
	}
	if req.Caption != "" && req.Type != models.TypeAudio && req.Type != models.TypeSticker {
		payload["Caption"] = req.Caption
	}
	if req.Type == models.TypeDocument {
		name := req.FileName
		if name == "" {
			name = "file"
		}
		payload["FileName"] = name
	}
	if req.ID != "" {
		payload["Id"] = req.ID
	}
	if req.ReplyTo != "" {
		payload["ContextInfo"] = contextInfo{StanzaID: req.ReplyTo}
	}
	return c.send(ctx, op, target.path, token, payload)
}

func (c *Client) send(ctx context.Context, op, path, token string, payload map[string]any) (SendResult, error) {
	var out sendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Token", token).
		SetBody(payload).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Provider API: request failed")
		return SendResult{}, apperr.Infrastructure(op, fmt.Errorf("provider request failed: %w", err))
	}
	if resp.IsError() || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.String()
		}
		log.Error().Str("path", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Provider API: send returned an error")
		return SendResult{}, apperr.Infrastructure(op, fmt.Errorf("provider error: status %d: %s", resp.StatusCode(), msg))
	}
	if out.Data.ID == "" {
		return SendResult{}, apperr.Infrastructure(op, fmt.Errorf("provider response has no message id"))
	}

	result := SendResult{ExternalID: out.Data.ID}
	if out.Data.Timestamp > 0 {
		result.Timestamp = time.Unix(out.Data.Timestamp, 0).UTC()
	}
	log.Debug().Str("path", path).Str("externalID", result.ExternalID).Msg("Provider accepted message")
	return result, nil
}
