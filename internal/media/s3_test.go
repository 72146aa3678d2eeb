package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-relay/internal/apperr"
)

func fixedStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	s, err := NewStorage(cfg)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestNewStorageValidates(t *testing.T) {
	_, err := NewStorage(Config{AccessKey: "a", SecretKey: "b"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = NewStorage(Config{Bucket: "media"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKey(t *testing.T) {
	s := fixedStorage(t, Config{Bucket: "media", AccessKey: "a", SecretKey: "b"})

	key := s.Key(Object{WorkspaceID: "ws-1", ConversationID: "conv-1", MessageID: "m1", MimeType: "image/jpeg"})
	assert.Equal(t, "workspaces/ws-1/outbox/conv-1/2024/05/07/images/m1.jpg", key)

	key = s.Key(Object{WorkspaceID: "ws-1", ConversationID: "conv-1", MessageID: "m2", MimeType: "application/pdf"})
	assert.Equal(t, "workspaces/ws-1/outbox/conv-1/2024/05/07/documents/m2.pdf", key)

	key = s.Key(Object{WorkspaceID: "ws-1", ConversationID: "conv-1", MessageID: "m3", MimeType: "audio/ogg; codecs=opus"})
	assert.Equal(t, "workspaces/ws-1/outbox/conv-1/2024/05/07/audio/m3.ogg", key)
}

func TestPublicURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"aws virtual hosted", Config{Region: "sa-east-1"}, "https://media.s3.sa-east-1.amazonaws.com/k.jpg"},
		{"aws path style", Config{Region: "sa-east-1", PathStyle: true}, "https://s3.sa-east-1.amazonaws.com/media/k.jpg"},
		{"custom endpoint path style", Config{Endpoint: "http://minio:9000/", PathStyle: true}, "http://minio:9000/media/k.jpg"},
		{"custom endpoint virtual hosted", Config{Endpoint: "https://files.example.com"}, "https://media.files.example.com/k.jpg"},
		{"public url", Config{PublicURL: "https://cdn.example.com/"}, "https://cdn.example.com/media/k.jpg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Bucket = "media"
			tc.cfg.AccessKey, tc.cfg.SecretKey = "a", "b"
			s := fixedStorage(t, tc.cfg)
			assert.Equal(t, tc.want, s.PublicURL("k.jpg"))
		})
	}
}

func TestStoreUploadsObject(t *testing.T) {
	var mu sync.Mutex
	var method, path, contentType string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := fixedStorage(t, Config{Endpoint: srv.URL, Bucket: "media", AccessKey: "a", SecretKey: "b", PathStyle: true})
	url, err := s.Store(context.Background(), Object{
		WorkspaceID:    "ws-1",
		ConversationID: "conv-1",
		MessageID:      "m1",
		Data:           []byte("png-bytes"),
		MimeType:       "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/media/workspaces/ws-1/outbox/conv-1/2024/05/07/images/m1.png", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/media/workspaces/ws-1/outbox/conv-1/2024/05/07/images/m1.png", path)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, "png-bytes", string(body))
}

func TestStoreUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := fixedStorage(t, Config{Endpoint: srv.URL, Bucket: "media", AccessKey: "a", SecretKey: "b", PathStyle: true})
	_, err := s.Store(context.Background(), Object{WorkspaceID: "ws-1", MessageID: "m1", Data: []byte("x")})
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
}
