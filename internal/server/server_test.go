package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peterje/muxhost/internal/app"
	"github.com/peterje/muxhost/internal/config"
	"github.com/peterje/muxhost/internal/control"
	"github.com/peterje/muxhost/internal/metrics"
	"github.com/peterje/muxhost/internal/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	return newTokenServer(t, "")
}

func newTokenServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	cfg := config.Default()
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Journal.Enabled = false
	cfg.Backend.Path = "/bin/sh"
	cfg.Backend.Args = []string{"-c", "sleep 30"}
	cfg.Backend.AutoStart = false

	a, err := app.New(app.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctl := control.NewServer(a, control.Options{})
	srv := httptest.NewServer(New(a, Options{Control: ctl, Token: token}).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return srv
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, health.Sessions)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `muxhost_http_requests_total{method="GET",route="GET /api/health",status="200"} 1`)
}

func TestTerminalOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	var created models.SessionCreated
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	base := srv.URL + "/api/sessions/" + strconv.FormatUint(uint64(created.ID), 10)
	resp, err = http.Post(base+"/write", "application/octet-stream", bytes.NewBufferString("echo muxhost-$((40+2))\n"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "muxhost-42") {
		if time.Now().After(deadline) {
			t.Fatalf("no shell output, got %q", out.String())
		}
		resp, err := http.Get(base + "/read")
		require.NoError(t, err)
		chunk, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		out.Write(chunk)
	}

	req, _ := http.NewRequest(http.MethodDelete, base, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(base + "/read")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlOverWebSocket(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/control"
	c, err := control.DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	id, err := c.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, c.CloseSession(ctx, id))
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := recoveryMiddleware(zap.New(core), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "panic in handler", logs.All()[0].Message)
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := loggingMiddleware(zap.New(core), m, mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	require.Equal(t, 2, logs.Len())
	assert.EqualValues(t, http.StatusTeapot, logs.All()[0].ContextMap()["status"])
	assert.EqualValues(t, http.StatusNotFound, logs.All()[1].ContextMap()["status"])
}

func TestTokenRequired(t *testing.T) {
	srv := newTokenServer(t, "s3cret")

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open")

	resp, err = http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/control"
	_, err = control.DialWebSocket(context.Background(), url)
	assert.Error(t, err)

	c, err := control.DialWebSocket(context.Background(), url+"?token=s3cret")
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Ping(context.Background()))
}
