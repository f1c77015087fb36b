package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func testClient(t *testing.T, rt roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		return jsonResponse(r, http.StatusOK, `{"name":"raw/job-1/abc.html","bucket":"grants-archive"}`), nil
	})
	store, err := New(client, Config{Bucket: "grants-archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "raw/job-1/abc.html", "text/html; charset=utf-8", []byte("<html>call</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://grants-archive/raw/job-1/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	require.Contains(t, paths[0], "/b/grants-archive/o")
	require.Contains(t, bodies[0], "<html>call</html>")
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{}`), nil
	})
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
	require.NoError(t, store.Close())
}

func TestPingReportsMissingBucket(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(r *http.Request) (*http.Response, error) {
		require.Contains(t, r.URL.Path, "/storage/v1/b/missing")
		return jsonResponse(r, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`), nil
	})
	store, err := New(client, Config{Bucket: "missing"})
	require.NoError(t, err)
	err = store.Ping(context.Background())
	require.ErrorContains(t, err, `gcs bucket "missing"`)
}

func TestDialChecksBucket(t *testing.T) {
	t.Parallel()

	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{"name":"grants-archive"}`), nil
	})
	store, err := Dial(context.Background(), Config{Bucket: "grants-archive"},
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
