package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.EqualError(t, err, "storage client is required")

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.EqualError(t, err, "archive.gcs_bucket is required")
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  string
		objectID = "pages/run/page-1-0123456789abcdef.html"
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = string(body)
		mu.Unlock()
		fmt.Fprintf(w, `{"bucket":"quotes-archive","name":%q}`, objectID)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "quotes-archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), objectID, "text/html", strings.NewReader("<html>quotes</html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://quotes-archive/"+objectID, uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotPath, "/b/quotes-archive/o")
	assert.Contains(t, gotBody, "<html>quotes</html>")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "quotes-archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "page.html", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestPutObjectEmptyPath(t *testing.T) {
	t.Parallel()

	store, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "quotes-archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	assert.EqualError(t, err, "object path is required")
}
