package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/db"
	"wuzapi-relay/internal/store"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "5511999998888", want: "5511999998888"},
		{raw: "+55 (11) 99999-8888", want: "5511999998888"},
		{raw: "5511999998888@s.whatsapp.net", want: "5511999998888"},
		{raw: "5511999998888:12@s.whatsapp.net", want: "5511999998888"},
		{raw: "12345678", want: "12345678"},
		{raw: "1234567", wantErr: true},
		{raw: "me", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsIncomingSender(t *testing.T) {
	incoming := []string{"5511999998888", "+5511999998888", "5511999998888@s.whatsapp.net", "1234567890", "123456789012345"}
	outgoing := []string{"me", "system", "agent-42", "123456789", "1234567890123456", "55 11 99999 8888", ""}

	for _, s := range incoming {
		assert.True(t, IsIncomingSender(s), s)
	}
	for _, s := range outgoing {
		assert.False(t, IsIncomingSender(s), s)
	}
}

func TestIsGroupJID(t *testing.T) {
	assert.True(t, IsGroupJID("120363025246125486@g.us"))
	assert.False(t, IsGroupJID("5511999998888@s.whatsapp.net"))
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn))
	return NewResolver(store.New(conn, store.Options{}))
}

func TestResolveDirectChat(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	c1, conv1, err := r.Resolve(ctx, Params{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Phone: "+55 11 99999-8888", Name: "Maria"})
	require.NoError(t, err)
	assert.Equal(t, "5511999998888", c1.Phone)
	assert.Equal(t, c1.ID, conv1.ContactID)

	c2, conv2, err := r.Resolve(ctx, Params{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Phone: "5511999998888@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, conv1.ID, conv2.ID)
	assert.Equal(t, "Maria", c2.Name)
}

func TestResolveRejectsShortPhone(t *testing.T) {
	r := newResolver(t)
	_, _, err := r.Resolve(context.Background(), Params{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", Phone: "1234"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestResolveGroupChat(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	contact, conv, err := r.Resolve(ctx, Params{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", GroupID: "120363@g.us", Phone: "5511999998888"})
	require.NoError(t, err)
	assert.NotEmpty(t, contact.ID)
	assert.True(t, conv.IsGroup)

	none, conv2, err := r.Resolve(ctx, Params{WorkspaceID: "ws-1", ChannelNumberID: "ch-1", GroupID: "120363@g.us", Phone: "lid"})
	require.NoError(t, err)
	assert.Empty(t, none.ID)
	assert.Equal(t, conv.ID, conv2.ID)
}
