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

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/hash/sha256"
)

func newTestArchive(t *testing.T, handler http.Handler) *Archive {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	archive, err := New(client, Config{Bucket: "clips", Prefix: "/payloads/"}, sha256.New())
	require.NoError(t, err)
	return archive
}

func TestPutObjectUploadsWithDigest(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		name string
		body string
	)
	archive := newTestArchive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		name = r.URL.Query().Get("name")
		body = string(raw)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":%q,"bucket":"clips"}`, name)
	}))

	digest, err := sha256.New().Hash([]byte("<html>review</html>"))
	require.NoError(t, err)

	uri, err := archive.PutObject(context.Background(), "job-1/WO-1/r1", "text/html", bytes.NewReader([]byte("<html>review</html>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://clips/payloads/job-1/WO-1/r1", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "payloads/job-1/WO-1/r1", name)
	assert.Contains(t, body, "<html>review</html>")
	assert.Contains(t, body, digest)
}

func TestPutObjectSurfacesUploadErrors(t *testing.T) {
	t.Parallel()

	archive := newTestArchive(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))
	_, err := archive.PutObject(context.Background(), "job-1/WO-1/r1", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, sha256.New())
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{}, sha256.New())
	require.Error(t, err)
	_, err = New(client, Config{Bucket: "b"}, nil)
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	archive := newTestArchive(t, http.NotFoundHandler())
	_, err := archive.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
