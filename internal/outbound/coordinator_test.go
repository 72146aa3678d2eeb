package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/db"
	"wuzapi-relay/internal/media"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/provider"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	texts  []provider.TextRequest
	medias []provider.MediaRequest
	tokens []string
	err    error
	block  bool
	nextID int
}

func (f *fakeSender) result(ctx context.Context) (provider.SendResult, error) {
	if f.block {
		<-ctx.Done()
		return provider.SendResult{}, apperr.Infrastructure("fake.send", ctx.Err())
	}
	if f.err != nil {
		return provider.SendResult{}, f.err
	}
	f.nextID++
	ids := []string{"ext-9", "ext-10", "ext-11", "ext-12"}
	return provider.SendResult{ExternalID: ids[(f.nextID-1)%len(ids)], Timestamp: time.Now()}, nil
}

func (f *fakeSender) SendText(ctx context.Context, token string, req provider.TextRequest) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req)
	f.tokens = append(f.tokens, token)
	return f.result(ctx)
}

func (f *fakeSender) SendMedia(ctx context.Context, token string, req provider.MediaRequest) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.medias = append(f.medias, req)
	f.tokens = append(f.tokens, token)
	return f.result(ctx)
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts) + len(f.medias)
}

type fakeMedia struct {
	objects []media.Object
}

func (f *fakeMedia) Store(ctx context.Context, obj media.Object) (string, error) {
	f.objects = append(f.objects, obj)
	return "https://cdn.example.com/" + obj.MessageID, nil
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Publish(e realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	store  *store.Store
	sender *fakeSender
	media  *fakeMedia
	events *recorder
	coord  *Coordinator
	conv   models.Conversation
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))

	s := store.New(conn, store.Options{})
	dir := store.NewDirectory(s, time.Minute)
	_, err = dir.Register(ctx, models.Instance{InstanceID: "wa-1", WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Token: "tok"})
	require.NoError(t, err)
	_, conv, err := s.EnsureContactConversation(ctx, store.EntityKey{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Phone: "5511999998888"})
	require.NoError(t, err)

	f := &fixture{store: s, sender: &fakeSender{}, media: &fakeMedia{}, events: &recorder{}, conv: conv}
	if opts.Media == nil {
		opts.Media = f.media
	}
	f.coord = NewCoordinator(s, dir, f.sender, f.events, nil, opts)
	return f
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().Get(&n, "SELECT COUNT(*) FROM messages"))
	return n
}

func TestSendSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	out, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "hello", ClientMessageID: "c1"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "ext-9", out.ExternalID)
	require.NotNil(t, out.Message)
	assert.Equal(t, models.StatusSent, out.Message.Status)
	assert.Equal(t, "c1", out.Message.ClientMessageID)

	stored, err := f.store.GetMessage(ctx, out.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)
	assert.Equal(t, "ext-9", stored.ExternalID)
	assert.True(t, stored.IsOutgoing)

	require.Len(t, f.sender.texts, 1)
	assert.Equal(t, "5511999998888", f.sender.texts[0].Phone)
	assert.Equal(t, "hello", f.sender.texts[0].Body)
	assert.Equal(t, out.Message.ID, f.sender.texts[0].ID, "provider gets the local id")
	assert.Equal(t, []string{"tok"}, f.sender.tokens)

	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessageAt)
	assert.Zero(t, conv.UnreadCount)

	require.Len(t, f.events.events, 3)
	assert.Equal(t, realtime.EventInsert, f.events.events[0].Type)
	assert.Equal(t, models.StatusSending, f.events.events[0].Record.(models.Message).Status)
	assert.Equal(t, realtime.EventUpdate, f.events.events[1].Type)
	assert.Equal(t, models.StatusSent, f.events.events[1].Record.(models.Message).Status)
	assert.Equal(t, realtime.TableConversations, f.events.events[2].Table)
}

func TestSendRepeatedClientMessageID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "hello", ClientMessageID: "c1"})
	require.NoError(t, err)
	second, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "hello", ClientMessageID: "c1"})
	require.NoError(t, err)

	assert.True(t, second.OK)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, "ext-9", second.ExternalID)
	assert.Equal(t, 1, f.sender.calls())
	assert.Equal(t, 1, f.count(t))
}

func TestSendProviderFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.sender.err = apperr.Infrastructure("provider.SendText", errors.New("wuzapi returned 500"))

	out, err := f.coord.Send(context.Background(), SendRequest{ConversationID: f.conv.ID, Content: "hello", ClientMessageID: "c1"})
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
	assert.False(t, out.OK)
	require.NotNil(t, out.Message)
	assert.Equal(t, models.StatusFailed, out.Message.Status)
	assert.Contains(t, out.Message.ErrorMessage, "wuzapi returned 500")

	stored, err := f.store.GetMessage(context.Background(), out.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Empty(t, stored.ExternalID)

	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, conv.LastMessageAt)
}

func TestSendProviderTimeoutResolvesToFailed(t *testing.T) {
	f := newFixture(t, Options{ProviderTimeout: 50 * time.Millisecond})
	f.sender.block = true

	start := time.Now()
	out, err := f.coord.Send(context.Background(), SendRequest{ConversationID: f.conv.ID, Content: "hello", ClientMessageID: "c1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.StatusFailed, out.Message.Status)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "   ", ClientMessageID: "c1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "x", Type: models.TypeImage, ClientMessageID: "c2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.Send(ctx, SendRequest{ConversationID: "missing", Content: "x", ClientMessageID: "c3"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "x", ClientMessageID: "c4", ReplyToID: "missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Zero(t, f.count(t))
	assert.Zero(t, f.sender.calls())
}

func TestSendReplyUsesProviderID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	parent, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "question", ClientMessageID: "c1"})
	require.NoError(t, err)
	reply, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "answer", ClientMessageID: "c2", ReplyToID: parent.Message.ID})
	require.NoError(t, err)

	assert.Equal(t, parent.Message.ID, reply.Message.ReplyToID)
	require.Len(t, f.sender.texts, 2)
	assert.Equal(t, "ext-9", f.sender.texts[1].ReplyTo)
}

func TestSendToGroup(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, group, err := f.store.EnsureContactConversation(ctx, store.EntityKey{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", GroupID: "120363025246125486@g.us"})
	require.NoError(t, err)

	_, err = f.coord.Send(ctx, SendRequest{ConversationID: group.ID, Content: "hi all", ClientMessageID: "g1"})
	require.NoError(t, err)
	require.Len(t, f.sender.texts, 1)
	assert.Equal(t, "120363025246125486@g.us", f.sender.texts[0].Phone)
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	out, err := f.coord.SendMedia(ctx, MediaRequest{
		ConversationID:  f.conv.ID,
		MediaBase64:     "data:image/png;base64,iVBORw0KGgo=",
		Caption:         "look",
		ClientMessageID: "m1",
	})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, models.TypeImage, out.Message.Type)
	assert.Equal(t, "look", out.Message.Body)
	assert.Equal(t, "https://cdn.example.com/"+out.Message.ID, out.Message.MediaURL)

	require.Len(t, f.sender.medias, 1)
	assert.Equal(t, "image/png", f.sender.medias[0].MimeType)
	assert.Equal(t, out.Message.ID, f.sender.medias[0].ID)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, f.sender.medias[0].Data)

	require.Len(t, f.media.objects, 1)
	assert.Equal(t, "ws-1", f.media.objects[0].WorkspaceID)
	assert.Equal(t, f.conv.ID, f.media.objects[0].ConversationID)
}

func TestSendMediaPlainBase64(t *testing.T) {
	f := newFixture(t, Options{})

	out, err := f.coord.SendMedia(context.Background(), MediaRequest{
		ConversationID:  f.conv.ID,
		MediaBase64:     "JVBERi0xLjQ=",
		MimeType:        "application/pdf",
		FileName:        "invoice.pdf",
		ClientMessageID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TypeDocument, out.Message.Type)
	require.Len(t, f.sender.medias, 1)
	assert.Equal(t, "%PDF-1.4", string(f.sender.medias[0].Data))
	assert.Equal(t, "invoice.pdf", f.sender.medias[0].FileName)
}

func TestSendMediaRejectsBadPayload(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.coord.SendMedia(context.Background(), MediaRequest{ConversationID: f.conv.ID, MediaBase64: "%%%", ClientMessageID: "m1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.SendMedia(context.Background(), MediaRequest{ConversationID: f.conv.ID, MediaBase64: "", ClientMessageID: "m2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, f.count(t))
}

func TestForwardAndResend(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, other, err := f.store.EnsureContactConversation(ctx, store.EntityKey{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Phone: "5511977776666"})
	require.NoError(t, err)

	src, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "promo", ClientMessageID: "c1"})
	require.NoError(t, err)

	fwd, err := f.coord.Forward(ctx, src.Message.ID, other.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, other.ID, fwd.Message.ConversationID)
	assert.Equal(t, "promo", fwd.Message.Body)
	assert.NotEqual(t, src.Message.ID, fwd.Message.ID)

	again, err := f.coord.Resend(ctx, src.Message.ID, "c3")
	require.NoError(t, err)
	assert.Equal(t, f.conv.ID, again.Message.ConversationID)
	assert.Equal(t, 3, f.sender.calls())

	img, err := f.coord.SendMedia(ctx, MediaRequest{ConversationID: f.conv.ID, MediaBase64: "data:image/png;base64,iVBORw0KGgo=", ClientMessageID: "m1"})
	require.NoError(t, err)
	_, err = f.coord.Forward(ctx, img.Message.ID, other.ID, "c4")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.coord.Resend(ctx, img.Message.ID, "c5")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 4, f.sender.calls())
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, Options{RatePerSec: 0.001, Burst: 1})
	ctx := context.Background()

	_, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "one", ClientMessageID: "c1"})
	require.NoError(t, err)
	_, err = f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "two", ClientMessageID: "c2"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, f.count(t))
}

func TestRepeatedSendIsNotRateLimited(t *testing.T) {
	f := newFixture(t, Options{RatePerSec: 0.001, Burst: 1})
	ctx := context.Background()

	first, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "one", ClientMessageID: "c1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "one", ClientMessageID: "c1"})
		require.NoError(t, err)
		assert.True(t, again.OK)
		assert.Equal(t, first.Message.ID, again.Message.ID)
	}
	assert.Equal(t, 1, f.sender.calls())

	_, err = f.coord.Send(ctx, SendRequest{ConversationID: f.conv.ID, Content: "two", ClientMessageID: "c2"})
	assert.ErrorIs(t, err, ErrRateLimited)
}
