package httpserver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gisement-io/gisement/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return logging.New(buf, "debug", "json")
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(testLogger(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		assert.True(t, ok)
		assert.NotEmpty(t, id)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/healthz"`)
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(testLogger(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "rid-123", rec.Header().Get("X-Request-Id"))
	assert.Contains(t, buf.String(), `"request_id":"rid-123"`)
}

func TestWrap_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(testLogger(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestReadyz(t *testing.T) {
	ok := Readyz(ReadinessCheck{Name: "always-ok", Check: func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	fail := Readyz(ReadinessCheck{Name: "source", Check: func(context.Context) error { return errors.New("down") }})
	rec = httptest.NewRecorder()
	fail.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"not_ready"`)
	assert.Contains(t, rec.Body.String(), `"error":"down"`)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testLogger(&buf), Config{Addr: addr}, Healthz()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_RequiresAddr(t *testing.T) {
	err := Run(context.Background(), slog.Default(), Config{}, Healthz())
	assert.ErrorContains(t, err, "addr is required")
}
