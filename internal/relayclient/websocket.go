package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/realtime"
)

const subscriptionBuffer = 64

// frame is the wire form of a realtime event.
type frame struct {
	Type   realtime.EventType `json:"type"`
	Table  string             `json:"table"`
	Record json.RawMessage    `json:"record"`
}

// Subscription streams a conversation's events from the relay.
type Subscription struct {
	conn   *websocket.Conn
	events chan realtime.Event
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Listen opens the conversation's realtime channel. The stream ends when ctx
// is cancelled, Close is called or the relay closes the connection.
func (c *Client) Listen(ctx context.Context, conversationID string) (realtime.Stream, error) {
	return c.Subscribe(ctx, conversationID)
}

func (c *Client) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	const op = "relayclient.Subscribe"

	wsURL, err := c.websocketURL(conversationID)
	if err != nil {
		return nil, apperr.Validation(op, "invalid base url: %v", err)
	}
	header := http.Header{}
	if c.userID != "" {
		header.Set("X-User-Id", c.userID)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, apperr.NotFound(op, "conversation %s", conversationID)
		}
		return nil, apperr.Infrastructure(op, err)
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan realtime.Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.read(conversationID)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (s *Subscription) read(conversationID string) {
	defer close(s.events)
	defer s.Close()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.setErr(err)
				}
			}
			return
		}

		ev := realtime.Event{Type: f.Type, Table: f.Table, ConversationID: conversationID}
		switch f.Table {
		case realtime.TableMessages:
			var m models.Message
			if err := json.Unmarshal(f.Record, &m); err != nil {
				log.Warn().Err(err).Msg("Skipping undecodable message frame")
				continue
			}
			ev.Record, ev.WorkspaceID = m, m.WorkspaceID
		case realtime.TableConversations:
			var conv models.Conversation
			if err := json.Unmarshal(f.Record, &conv); err != nil {
				log.Warn().Err(err).Msg("Skipping undecodable conversation frame")
				continue
			}
			ev.Record, ev.WorkspaceID = conv, conv.WorkspaceID
		default:
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) Events() <-chan realtime.Event { return s.events }

// Err reports why the stream ended; nil after Close or a normal closure.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}
