package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *Fetcher {
	return NewFetcher(Options{RetryDelay: time.Millisecond})
}

func TestFetchWritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "models", "vae", "sdxl_vae.safetensors")
	out, err := newTestFetcher().Fetch(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.Bytes)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Skipped)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not remain")
}

func TestFetchSkipsExisting(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	out, err := newTestFetcher().Fetch(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, hits.Load())
}

func TestFetchReplacesEmptyExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("full"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(dest, nil, 0o644))

	out, err := newTestFetcher().Fetch(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, int64(4), out.Bytes)
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out, err := newTestFetcher().Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "f"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "empty.bin")
	out, err := newTestFetcher().Fetch(context.Background(), srv.URL, dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyDownload))
	assert.Equal(t, int32(DefaultAttempts), hits.Load())
	assert.Equal(t, DefaultAttempts, out.Attempts)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "empty download must not leave a file")
}

func TestFetchStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(Options{RetryDelay: time.Hour})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out, err := f.Fetch(ctx, srv.URL, filepath.Join(t.TempDir(), "f"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
}

func TestFetchAllReportsPerItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	root := t.TempDir()
	m := Manifest{Items: []Item{
		{Name: "vae", URL: srv.URL + "/vae", Path: "models/vae/v.safetensors"},
		{Name: "gone", URL: srv.URL + "/missing", Path: "models/loras/l.safetensors"},
		{Name: "workflow", URL: srv.URL + "/wf", Path: "user/default/workflows/avatar_ai.json"},
	}}
	report := newTestFetcher().FetchAll(context.Background(), root, m)

	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.Succeeded())
	assert.False(t, report.OK())
	assert.Error(t, report.Results[1].Err)
	assert.Equal(t, filepath.Join(root, "user", "default", "workflows", "avatar_ai.json"), report.Results[2].Dest)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`items:
  - name: vae
    url: https://example.com/vae.safetensors
    path: models/vae/vae.safetensors
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Equal(t, "models/vae/vae.safetensors", m.Items[0].Path)

	require.NoError(t, os.WriteFile(path, []byte("items:\n  - name: broken\n"), 0o644))
	_, err = LoadManifest(path)
	assert.Error(t, err)
}

func TestDefaultManifestCoversBackendNeeds(t *testing.T) {
	m := DefaultManifest()
	assert.Len(t, m.Items, 7)
	paths := make(map[string]bool)
	for _, item := range m.Items {
		assert.NotEmpty(t, item.URL, item.Name)
		paths[item.Path] = true
	}
	assert.True(t, paths["models/loras/avatar_lora.safetensors"])
	assert.True(t, paths["user/default/workflows/avatar_ai.json"])
}
