package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
)

const sampleDoc = `{"sites":[{"domain":"Example.com","min_download_interval":2},{"domain":"slow.org","min_download_interval":0.25}]}`

func TestParseConvertsSecondsToMilliseconds(t *testing.T) {
	t.Parallel()

	got, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Equal(t, []throttle.Interval{
		{Domain: "example.com", Min: 2000 * time.Millisecond},
		{Domain: "slow.org", Min: 250 * time.Millisecond},
	}, got)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`not json`,
		`{"sites":[{"domain":"","min_download_interval":1}]}`,
		`{"sites":[{"domain":"a.com","min_download_interval":-1}]}`,
	} {
		_, err := Parse([]byte(body))
		require.ErrorIs(t, err, ErrInvalidDocument, body)
	}
	got, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLoaderFetchesOverHTTP(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	l := NewLoader(Config{UserAgent: "dlpool-test", Timeout: 5 * time.Second}, nil)
	got, err := l.Load(context.Background(), srv.URL+"/sites.json")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "dlpool-test", <-agents)

	again, err := l.Load(context.Background(), srv.URL+"/sites.json")
	require.NoError(t, err, "the same document can be loaded twice")
	require.Equal(t, got, again)
}

func TestLoaderReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewLoader(Config{}, nil).Load(context.Background(), srv.URL)
	require.Error(t, err)
	require.ErrorContains(t, err, "status 404")
}

func TestLoaderReadsLocalFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sites.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	l := NewLoader(Config{}, nil)
	for _, ref := range []string{path, "file://" + path} {
		got, err := l.Load(context.Background(), ref)
		require.NoError(t, err, ref)
		require.Len(t, got, 2)
	}
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
