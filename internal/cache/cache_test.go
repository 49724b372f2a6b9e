package cache

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// origin serves a handful of shell resources and counts requests.
type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	mux := http.NewServeMux()
	for path, body := range map[string]string{
		"/":                     "<html>shell</html>",
		"/static/manifest.json": `{"name":"daylog"}`,
		"/static/sw.js":         "self.addEventListener('fetch', () => {})",
		"/static/app-v2.js":     "console.log('v2')",
		"/api/live":             "live",
	} {
		path, body := path, body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != path {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, body)
		})
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func setupManager(t *testing.T, o *origin) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "cache.db"), Config{
		BaseURL: o.URL,
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

var (
	manifestV1 = []string{"/", "/static/manifest.json", "/static/sw.js"}
	manifestV2 = []string{"/", "/static/manifest.json", "/static/app-v2.js"}
)

func TestInstallActivateReplacesVersion(t *testing.T) {
	o := newOrigin(t)
	m := setupManager(t, o)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "v1", manifestV1))
	_, err := m.Activate(ctx, "v1")
	require.NoError(t, err)

	require.NoError(t, m.Install(ctx, "v2", manifestV2))

	// v1 keeps serving until v2 is activated.
	entry, ok, err := m.Match(ctx, "/static/sw.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "self.addEventListener('fetch', () => {})", string(entry.Body))

	stale, err := m.Activate(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, stale)

	versions, err := m.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v2", versions[0].Name)
	assert.True(t, versions[0].Active)
	assert.Equal(t, int64(len(manifestV2)), versions[0].Entries)

	keys, err := m.Keys(ctx, "v2")
	require.NoError(t, err)
	var want []string
	for _, p := range manifestV2 {
		want = append(want, o.URL+p)
	}
	assert.ElementsMatch(t, want, keys)

	v1Keys, err := m.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, v1Keys)

	before := o.hits.Load()
	req := httptest.NewRequest(http.MethodGet, o.URL+"/static/app-v2.js", nil)
	resp, err := m.Serve(ctx, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "console.log('v2')", string(body))
	assert.Equal(t, "hit", resp.Header.Get(HeaderCache))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, before, o.hits.Load(), "cache hit must not touch the network")
}

func TestInstallFailureIsAllOrNothing(t *testing.T) {
	o := newOrigin(t)
	m := setupManager(t, o)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "v1", manifestV1))
	_, err := m.Activate(ctx, "v1")
	require.NoError(t, err)

	err = m.Install(ctx, "v2", []string{"/", "/static/missing.js"})
	require.ErrorIs(t, err, ErrInstall)

	versions, err := m.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v1", versions[0].Name)

	_, err = m.Activate(ctx, "v2")
	assert.ErrorIs(t, err, ErrNotInstalled)

	_, ok, err := m.Match(ctx, "/static/sw.js")
	require.NoError(t, err)
	assert.True(t, ok, "previous version must keep serving")
}

func TestServeMissFallsThroughWithoutCaching(t *testing.T) {
	o := newOrigin(t)
	m := setupManager(t, o)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "v1", manifestV1))
	_, err := m.Activate(ctx, "v1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		before := o.hits.Load()
		resp, err := m.Serve(ctx, httptest.NewRequest(http.MethodGet, o.URL+"/api/live", nil))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, "live", string(body))
		assert.Empty(t, resp.Header.Get(HeaderCache))
		assert.Equal(t, before+1, o.hits.Load())
	}

	keys, err := m.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, keys, len(manifestV1))
}

func TestHandlerServesOffline(t *testing.T) {
	o := newOrigin(t)
	m := setupManager(t, o)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "fitness-companion-v1", manifestV1))
	_, err := m.Activate(ctx, "fitness-companion-v1")
	require.NoError(t, err)

	o.Close()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "cached shell", path: "/", status: http.StatusOK},
		{name: "cached script", path: "/static/sw.js", status: http.StatusOK},
		{name: "uncached resource", path: "/api/live", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestReinstallReplacesEntries(t *testing.T) {
	o := newOrigin(t)
	m := setupManager(t, o)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "v1", manifestV1))
	require.NoError(t, m.Install(ctx, "v1", []string{"/"}))

	keys, err := m.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{o.URL + "/"}, keys)
}
