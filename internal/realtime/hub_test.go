package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/models"
)

func msg(conv, id string) models.Message {
	return models.Message{ID: id, ConversationID: conv, WorkspaceID: "ws-1", Body: id, Status: models.StatusSent}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	hub := NewHub(64)
	a := hub.Subscribe(context.Background(), "conv-1")
	b := hub.Subscribe(context.Background(), "conv-1")
	other := hub.Subscribe(context.Background(), "conv-2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	for i := 0; i < 10; i++ {
		hub.Publish(MessageEvent(EventInsert, msg("conv-1", fmt.Sprintf("m%d", i))))
	}
	hub.Publish(MessageEvent(EventUpdate, msg("conv-1", "m3")))

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 10; i++ {
			e := recv(t, sub)
			assert.Equal(t, EventInsert, e.Type)
			assert.Equal(t, TableMessages, e.Table)
			assert.Equal(t, fmt.Sprintf("m%d", i), e.Record.(models.Message).ID)
		}
		e := recv(t, sub)
		assert.Equal(t, EventUpdate, e.Type)
	}

	select {
	case e := <-other.Events():
		t.Fatalf("unexpected event on other conversation: %+v", e)
	default:
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(2)
	slow := hub.Subscribe(context.Background(), "conv-1")
	fast := hub.Subscribe(context.Background(), "conv-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Publish(MessageEvent(EventInsert, msg("conv-1", fmt.Sprintf("m%d", i))))
			<-fast.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)

	var got []string
	for e := range slow.Events() {
		got = append(got, e.Record.(models.Message).ID)
	}
	assert.Equal(t, []string{"m0", "m1"}, got, "a dropped subscriber keeps a gap-free prefix")
	fast.Close()
}

func TestSubscriptionCancel(t *testing.T) {
	hub := NewHub(8)
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "conv-1")
	assert.Equal(t, 1, hub.SubscriberCount("conv-1"))

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on cancel")
	}
	assert.NoError(t, sub.Err())
	assert.Zero(t, hub.SubscriberCount("conv-1"))

	_, ok := <-sub.Events()
	assert.False(t, ok)

	sub.Close()
	hub.Publish(MessageEvent(EventInsert, msg("conv-1", "late")))
}

func TestHubClose(t *testing.T) {
	hub := NewHub(8)
	sub := hub.Subscribe(context.Background(), "conv-1")
	hub.Close()
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrHubClosed)

	late := hub.Subscribe(context.Background(), "conv-1")
	<-late.Done()
	assert.ErrorIs(t, late.Err(), ErrHubClosed)
	late.Close()
}

type recorder struct{ events []Event }

func (r *recorder) Publish(e Event) { r.events = append(r.events, e) }

func TestPublishersFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Publishers{a, nil, b}.Publish(ConversationEvent(models.Conversation{ID: "conv-1", WorkspaceID: "ws-1"}))
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, TableConversations, a.events[0].Table)
	assert.Equal(t, "conv-1", a.events[0].ConversationID)
}

func TestServeConversationStreamsFrames(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeConversation(w, r, "conv-1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.SubscriberCount("conv-1") == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(MessageEvent(EventInsert, msg("conv-1", "m1")))

	var frame struct {
		Type   string         `json:"type"`
		Table  string         `json:"table"`
		Record models.Message `json:"record"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "insert", frame.Type)
	assert.Equal(t, "messages", frame.Table)
	assert.Equal(t, "m1", frame.Record.ID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.SubscriberCount("conv-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
