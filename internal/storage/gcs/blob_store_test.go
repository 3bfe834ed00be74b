package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "feed-archive"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const object = "snapshots/2024/08/15/abc.html"
	var (
		mu   sync.Mutex
		body string
		name string
	)
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/feed-archive/o")
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		body = string(data)
		name = r.URL.Query().Get("name")
		mu.Unlock()
		fmt.Fprintf(w, `{"name": %q, "bucket": "feed-archive"}`, object)
	}))

	uri, err := store.PutObject(context.Background(), object, "text/html; charset=utf-8", bytes.NewReader([]byte("<table></table>")))
	require.NoError(t, err)
	require.Equal(t, "gs://feed-archive/"+object, uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, body, "<table></table>")
	require.Contains(t, body, "text/html")
	if name != "" {
		require.Equal(t, object, name)
	}
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := store.PutObject(context.Background(), "x.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
}

func TestCloseOnlyClosesOwnedClient(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler())
	require.NoError(t, store.Close())
}
