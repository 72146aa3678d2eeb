package relayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/outbound"
	"wuzapi-relay/internal/realtime"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"code": status, "success": errMsg == ""}
	if data != nil {
		body["data"] = data
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	json.NewEncoder(w).Encode(body)
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/conv-1/messages", r.URL.Path)
		assert.Equal(t, "m9", r.URL.Query().Get("before"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "agent-1", r.Header.Get("X-User-Id"))
		writeEnvelope(w, http.StatusOK, map[string]any{"messages": []models.Message{{ID: "m8"}, {ID: "m7"}}}, "")
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", time.Second)
	page, err := c.FetchPage(context.Background(), "conv-1", "m9", 50)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m8", page[0].ID)
}

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req outbound.SendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/conversations/conv-1/messages", r.URL.Path)

		msg := models.Message{ID: "m1", ConversationID: "conv-1", ClientMessageID: req.ClientMessageID, Body: req.Content}
		if req.Content == "boom" {
			msg.Status = models.StatusFailed
			writeEnvelope(w, http.StatusBadGateway, outbound.SendOutcome{OK: false, Message: &msg}, "provider unavailable")
			return
		}
		msg.Status, msg.ExternalID = models.StatusSent, "ext-9"
		writeEnvelope(w, http.StatusOK, outbound.SendOutcome{OK: true, ExternalID: "ext-9", Message: &msg}, "")
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	out, err := c.SendText(context.Background(), outbound.SendRequest{ConversationID: "conv-1", Content: "hi", ClientMessageID: "c1"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "ext-9", out.ExternalID)
	assert.Equal(t, "c1", out.Message.ClientMessageID)

	out, err = c.SendText(context.Background(), outbound.SendRequest{ConversationID: "conv-1", Content: "boom", ClientMessageID: "c2"})
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
	assert.Contains(t, err.Error(), "provider unavailable")
	require.NotNil(t, out.Message)
	assert.Equal(t, models.StatusFailed, out.Message.Status)
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/missing/read":
			writeEnvelope(w, http.StatusNotFound, nil, "conversation missing")
		case "/messages/m1/reactions":
			writeEnvelope(w, http.StatusBadRequest, nil, "emoji is required")
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ctx := context.Background()

	_, err := c.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.ToggleReaction(ctx, "m1", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = c.FetchPage(ctx, "conv-1", "", 0)
	assert.ErrorIs(t, err, outbound.ErrRateLimited)
}

func TestListenStreamsHubEvents(t *testing.T) {
	hub := realtime.NewHub(8)
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeConversation(w, r, "conv-1")
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	stream, err := c.Listen(context.Background(), "conv-1")
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount("conv-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(realtime.MessageEvent(realtime.EventInsert, models.Message{ID: "m1", ConversationID: "conv-1", WorkspaceID: "ws-1", Body: "oi"}))
	hub.Publish(realtime.ConversationEvent(models.Conversation{ID: "conv-1", WorkspaceID: "ws-1", UnreadCount: 1}))

	for _, want := range []string{realtime.TableMessages, realtime.TableConversations} {
		select {
		case ev := <-stream.Events():
			assert.Equal(t, want, ev.Table)
			assert.Equal(t, "conv-1", ev.ConversationID)
			if want == realtime.TableMessages {
				assert.Equal(t, "oi", ev.Record.(models.Message).Body)
				assert.Equal(t, realtime.EventInsert, ev.Type)
			} else {
				assert.Equal(t, 1, ev.Record.(models.Conversation).UnreadCount)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	stream.Close()
	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Close")
	}
}

func TestWebsocketURL(t *testing.T) {
	c := New("https://relay.example.com/api/", "", time.Second)
	u, err := c.websocketURL("conv 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/api/ws/conversations/conv%201", u)
}
