// Package relayclient is a Go client for the relay's REST and websocket API.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/outbound"
	"wuzapi-relay/pkg/httputil"
)

// envelope is the relay's response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	userID  string
	http    *resty.Client
}

// New creates a client for the relay at baseURL. userID is sent as X-User-Id
// when set.
func New(baseURL, userID string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := httputil.NewClient(baseURL, timeout)
	if userID != "" {
		c.SetHeader("X-User-Id", userID)
	}
	return &Client{baseURL: baseURL, userID: userID, http: c}
}

// FetchPage returns up to limit messages older than beforeID, newest first.
// An empty beforeID fetches the newest page.
func (c *Client) FetchPage(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error) {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID)
	if beforeID != "" {
		req.SetQueryParam("before", beforeID)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/conversations/{id}/messages")

	var page struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.decode("relayclient.FetchPage", resp, err, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// SendText sends a text message. A provider failure returns the outcome,
// carrying the failed message, together with the error.
func (c *Client) SendText(ctx context.Context, req outbound.SendRequest) (outbound.SendOutcome, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", req.ConversationID).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/conversations/{id}/messages")

	var out outbound.SendOutcome
	err = c.decode("relayclient.SendText", resp, err, &out)
	return out, err
}

// MarkRead resets the conversation's unread counter.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (models.Conversation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		Post("/conversations/{id}/read")

	var conv models.Conversation
	err = c.decode("relayclient.MarkRead", resp, err, &conv)
	return conv, err
}

// ToggleReaction adds or removes the caller's emoji on a message.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", messageID).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"emoji": emoji}).
		Post("/messages/{id}/reactions")

	var out struct {
		Added bool `json:"added"`
	}
	err = c.decode("relayclient.ToggleReaction", resp, err, &out)
	return out.Added, err
}

// decode unwraps the envelope into out. Data is decoded even on failure so
// callers get partial outcomes such as a failed send.
func (c *Client) decode(op string, resp *resty.Response, reqErr error, out any) error {
	if reqErr != nil {
		return apperr.Infrastructure(op, reqErr)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return statusError(op, resp.StatusCode(), strings.TrimSpace(resp.String()))
		}
		return apperr.Infrastructure(op, fmt.Errorf("invalid response: %w", err))
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Infrastructure(op, fmt.Errorf("invalid response data: %w", err))
		}
	}
	if resp.IsError() || !env.Success {
		return statusError(op, resp.StatusCode(), env.Error)
	}
	return nil
}

func statusError(op string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return apperr.Validation(op, "%s", msg)
	case http.StatusNotFound:
		return apperr.NotFound(op, "%s", msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, outbound.ErrRateLimited)
	default:
		return apperr.Infrastructure(op, fmt.Errorf("relay returned %d: %s", status, msg))
	}
}

// websocketURL maps the REST base URL onto the realtime endpoint.
func (c *Client) websocketURL(conversationID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/conversations/" + conversationID
	return u.String(), nil
}
