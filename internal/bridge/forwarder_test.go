package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/metrics"
)

type fixedPort uint16

func (p fixedPort) Port() uint16 { return uint16(p) }

func portOf(t *testing.T, srv *httptest.Server) fixedPort {
	t.Helper()
	addr, ok := srv.Listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return fixedPort(addr.Port)
}

func TestCallWithoutPortIsUnavailable(t *testing.T) {
	f := New(fixedPort(0), Options{})
	_, err := f.Call(context.Background(), "sessions.list", nil)
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	assert.False(t, f.Available(context.Background()))
}

type seenRequest struct {
	path, body, contentType string
}

func TestCallForwardsToBackend(t *testing.T) {
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{r.URL.Path, string(body), r.Header.Get("Content-Type")}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	met := metrics.New()
	f := New(portOf(t, srv), Options{Metrics: met})

	out, err := f.Call(context.Background(), "workspace.open", json.RawMessage(`{"path":"/tmp"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	got := <-seen
	assert.Equal(t, "/orpc/workspace.open", got.path)
	assert.Equal(t, `{"path":"/tmp"}`, got.body)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.BackendForward.WithLabelValues("ok")))
}

func TestCallSendsEmptyObjectForNoParams(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := New(portOf(t, srv), Options{})
	out, err := f.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", <-seen)
	assert.Equal(t, "null", string(out))
}

func TestCallReportsBackendErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	met := metrics.New()
	f := New(portOf(t, srv), Options{Metrics: met})
	_, err := f.Call(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), hits.Load(), "calls are never retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(met.BackendForward.WithLabelValues("fail")))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"short", "  boom \n", len("boom")},
		{"ascii", strings.Repeat("a", 600), maxErrorBody + len("...")},
		{"cut inside a rune", strings.Repeat("€", 200), 510 + len("...")},
		{"cut on a boundary", strings.Repeat("é", 300), maxErrorBody + len("...")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in)
			assert.True(t, utf8.ValidString(got))
			assert.Len(t, got, tt.want)
		})
	}
}

func TestCallErrorBodyStaysValidUTF8(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("€", 400), http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(portOf(t, srv), Options{})
	_, err := f.Call(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "€...")
}

func TestCallRejectsBadInput(t *testing.T) {
	f := New(fixedPort(1), Options{})
	for _, m := range []string{"", "/", "../etc", "a b", "x?y=1"} {
		_, err := f.Call(context.Background(), m, nil)
		assert.ErrorIs(t, err, errs.ErrInvalid, m)
	}
	_, err := f.Call(context.Background(), "ok", json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestCallHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(portOf(t, srv), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestAvailableRetriesProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orpc/health", r.URL.Path)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(portOf(t, srv), Options{ProbeRetries: 2})
	assert.True(t, f.Available(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestAvailableFalseOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(portOf(t, srv), Options{})
	assert.False(t, f.Available(context.Background()))
}
