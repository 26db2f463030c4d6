package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permacap/permacap/pkg/store"
)

func newRouterStore(t *testing.T) *store.GORMStore {
	t.Helper()
	st, err := store.New(context.Background(), &store.Config{
		Type: store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "api.db"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRouterRoutes(t *testing.T) {
	st := newRouterStore(t)
	reg := prometheus.NewRegistry()
	router := NewRouter(st, reg)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{name: "liveness", path: "/health", wantCode: http.StatusOK},
		{name: "readiness", path: "/health/ready", wantCode: http.StatusOK},
		{name: "status", path: "/status", wantCode: http.StatusOK},
		{name: "metrics", path: "/metrics", wantCode: http.StatusOK},
		{name: "root redirects", path: "/", wantCode: http.StatusTemporaryRedirect},
		{name: "unknown", path: "/nope", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestRouterOmitsMetricsWithoutGatherer(t *testing.T) {
	router := NewRouter(newRouterStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerAppliesDefaults(t *testing.T) {
	srv := NewServer(Config{}, nil, nil)
	assert.Equal(t, 8080, srv.Port())
}
