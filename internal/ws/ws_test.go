package ws

import (
	"net/http"
	"runtime"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/events"
	"github.com/peterje/muxhost/internal/pty"
)

type fakeSessions struct {
	mu      sync.Mutex
	output  map[uint32][]byte
	written map[uint32][]byte
	sizes   map[uint32][2]uint16
}

func newFakeSessions(ids ...uint32) *fakeSessions {
	f := &fakeSessions{output: map[uint32][]byte{}, written: map[uint32][]byte{}, sizes: map[uint32][2]uint16{}}
	for _, id := range ids {
		f.output[id] = nil
	}
	return f
}

func (f *fakeSessions) GetSession(id uint32) (pty.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.output[id]; !ok {
		return pty.SessionInfo{}, errs.NotFound("get session", strconv.Itoa(int(id)))
	}
	return pty.SessionInfo{ID: id}, nil
}

func (f *fakeSessions) ReadSession(id uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.output[id]
	if !ok {
		return nil, errs.NotFound("read session", strconv.Itoa(int(id)))
	}
	f.output[id] = nil
	return data, nil
}

func (f *fakeSessions) WriteSession(id uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[id] = append(f.written[id], data...)
	return nil
}

func (f *fakeSessions) ResizeSession(id uint32, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[id] = [2]uint16{cols, rows}
	return nil
}

func (f *fakeSessions) emit(id uint32, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output[id] = append(f.output[id], data...)
}

func (f *fakeSessions) end(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.output, id)
}

func (f *fakeSessions) snapshot(id uint32) (string, [2]uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written[id]), f.sizes[id]
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func terminalServer(t *testing.T, f *fakeSessions) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /ws/sessions/{id}", NewHandler(f, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTerminalStream(t *testing.T) {
	f := newFakeSessions(1)
	srv := terminalServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sessions/1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	f.emit(1, "$ ")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "$ ", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","data":{"cols":120,"rows":40}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	deadline := time.Now().Add(5 * time.Second)
	for {
		written, size := f.snapshot(1)
		if written == "ls\n" && size == [2]uint16{120, 40} {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("input not delivered: written=%q size=%v", written, size)
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.end(1)
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "session ended", closeErr.Text)
}

// shellSessions exposes a real registry through the handler's interface.
type shellSessions struct{ *pty.Manager }

func (s shellSessions) GetSession(id uint32) (pty.SessionInfo, error) { return s.Get(id) }
func (s shellSessions) ReadSession(id uint32) ([]byte, error)         { return s.Read(id) }
func (s shellSessions) WriteSession(id uint32, data []byte) error     { return s.Write(id, data) }
func (s shellSessions) ResizeSession(id uint32, cols, rows uint16) error {
	return s.Resize(id, cols, rows)
}

func TestTerminalStreamWithRealShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty sessions are not supported on windows")
	}
	m := pty.NewManager(pty.Options{Shell: "/bin/sh", Env: []string{"PS1=$ "}})
	t.Cleanup(m.CloseAll)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/sessions/{id}", NewHandler(shellSessions{m}, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	id, err := m.Create()
	require.NoError(t, err)

	// Let the prompt settle so the stream starts from a quiet shell.
	quiet := false
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		chunk, err := m.Read(id)
		require.NoError(t, err)
		if len(chunk) == 0 {
			quiet = true
			break
		}
	}
	require.True(t, quiet, "shell never went quiet")

	path := "/ws/sessions/" + strconv.FormatUint(uint64(id), 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo hi\n")))

	// The echoed command line is followed by the command's own output line.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var out strings.Builder
	for !strings.Contains(out.String(), "\nhi\r\n") {
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err, "output so far: %q", out.String())
		assert.Equal(t, websocket.BinaryMessage, kind)
		out.Write(msg)
	}

	require.NoError(t, m.Close(id))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, "session ended", closeErr.Text)
}

func TestTerminalUnknownSession(t *testing.T) {
	srv := terminalServer(t, newFakeSessions())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sessions/7"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sessions/x"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	bus := events.NewBus()
	srv := httptest.NewServer(NewEventsHandler(bus, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription races the dial, so keep emitting until one arrives.
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Emit(events.BackendReady, 4000)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev events.Event
	err = conn.ReadJSON(&ev)
	close(stop)
	require.NoError(t, err)
	assert.Equal(t, events.BackendReady, ev.Name)
	assert.EqualValues(t, 4000, ev.Payload)
	assert.NotEmpty(t, ev.ID)

	bus.Close()
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
