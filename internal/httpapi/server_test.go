package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	seen time.Time
	syms []string
}

func (s stubSource) LastSeen() time.Time { return s.seen }
func (s stubSource) Symbols() []string   { return s.syms }

func TestHealthOK(t *testing.T) {
	s := New(":0", stubSource{
		seen: time.Now().Add(-10 * time.Second),
		syms: []string{"BTCUSDT", "ETHUSDT"},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Symbols)
	assert.NotEmpty(t, resp.LastSeen)
}

func TestHealthStale(t *testing.T) {
	s := New(":0", stubSource{seen: time.Now().Add(-time.Hour)})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"),
		"content type must be set before the status line")
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stale", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(":0", stubSource{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
