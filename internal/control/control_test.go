package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

type fakeHost struct {
	mu       sync.Mutex
	next     uint32
	sessions map[uint32][]byte
	sizes    map[uint32][2]uint16
	port     uint16
}

func newFakeHost() *fakeHost {
	return &fakeHost{sessions: map[uint32][]byte{}, sizes: map[uint32][2]uint16{}}
}

func (h *fakeHost) CreateSession() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.sessions[h.next] = nil
	return h.next, nil
}

func (h *fakeHost) WriteSession(id uint32, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return errs.NotFound("write session", strconv.Itoa(int(id)))
	}
	h.sessions[id] = append(h.sessions[id], data...)
	return nil
}

func (h *fakeHost) ReadSession(id uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.sessions[id]
	if !ok {
		return nil, errs.NotFound("read session", strconv.Itoa(int(id)))
	}
	h.sessions[id] = nil
	if buf == nil {
		return []byte{}, nil
	}
	return buf, nil
}

func (h *fakeHost) ResizeSession(id uint32, cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return errs.NotFound("resize session", strconv.Itoa(int(id)))
	}
	h.sizes[id] = [2]uint16{cols, rows}
	return nil
}

func (h *fakeHost) CloseSession(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return errs.NotFound("close session", strconv.Itoa(int(id)))
	}
	delete(h.sessions, id)
	return nil
}

func (h *fakeHost) ListSessions() []pty.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []pty.SessionInfo{}
	for id := uint32(1); id <= h.next; id++ {
		if _, ok := h.sessions[id]; ok {
			out = append(out, pty.SessionInfo{ID: id, Shell: "/bin/sh"})
		}
	}
	return out
}

func (h *fakeHost) SpawnBackend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port != 0 {
		return errs.Errorf(errs.KindSpawn, "spawn backend", "backend already running")
	}
	h.port = 4000
	return nil
}

func (h *fakeHost) BackendPort() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port
}

func (h *fakeHost) CheckBackendHealth(context.Context) bool { return h.BackendPort() != 0 }

func (h *fakeHost) TerminateBackend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.port = 0
	return nil
}

func (h *fakeHost) BackendStatus() sidecar.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := sidecar.Status{State: sidecar.NotStarted, Port: h.port}
	if h.port != 0 {
		st.State = sidecar.Running
		st.Generation = 1
	}
	return st
}

func socketDir(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	// Keep socket paths short; sun_path is limited to ~100 bytes.
	dir, err := os.MkdirTemp("", "mux")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, host Host) (*Server, string) {
	t.Helper()
	sock := filepath.Join(socketDir(t), "c.sock")
	srv := NewServer(host, Options{SocketPath: sock})
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { srv.Close() })
	return srv, sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	c, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func exerciseHost(t *testing.T, c *Client) {
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	id, err := c.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	require.NoError(t, c.Write(ctx, id, []byte("echo hi\n")))
	out, err := c.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(out))

	out, err = c.Read(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)

	require.NoError(t, c.Resize(ctx, id, 120, 40))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	require.NoError(t, c.CloseSession(ctx, id))
	_, err = c.Read(ctx, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Contains(t, err.Error(), "read session 1")

	port, err := c.Port(ctx)
	require.NoError(t, err)
	assert.Zero(t, port)

	require.NoError(t, c.Spawn(ctx))
	assert.ErrorIs(t, c.Spawn(ctx), errs.ErrSpawn)

	port, err = c.Port(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(4000), port)

	healthy, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, sidecar.Running, st.State)
	assert.Equal(t, uint16(4000), st.Port)

	require.NoError(t, c.Terminate(ctx))
	healthy, err = c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestUnixSocketRoundTrip(t *testing.T) {
	host := newFakeHost()
	_, sock := startServer(t, host)
	exerciseHost(t, dial(t, sock))

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, [2]uint16{120, 40}, host.sizes[1])
}

func TestWebSocketTransport(t *testing.T) {
	srv := NewServer(newFakeHost(), Options{})
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.ServeConn(NewWSConn(conn))
	}))
	defer hs.Close()
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	c, err := DialWebSocket(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	exerciseHost(t, c)
}

func TestUnknownCommandIsInvalid(t *testing.T) {
	_, sock := startServer(t, newFakeHost())
	c := dial(t, sock)

	_, err := c.Do(context.Background(), Request{Command: "reboot"})
	assert.ErrorIs(t, err, errs.ErrInvalid)
	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestConcurrentRequestsShareOneConnection(t *testing.T) {
	_, sock := startServer(t, newFakeHost())
	c := dial(t, sock)

	var wg sync.WaitGroup
	ids := make(chan uint32, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Create(context.Background())
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint32]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 16)
}

func TestListenRefusesLiveSocket(t *testing.T) {
	_, sock := startServer(t, newFakeHost())

	second := NewServer(newFakeHost(), Options{SocketPath: sock})
	err := second.Listen()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestListenRemovesStaleSocket(t *testing.T) {
	dir := socketDir(t)
	sock := filepath.Join(dir, "c.sock")
	pid := filepath.Join(dir, "c.pid")

	// A pid that definitely belonged to a process which has since exited.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(sock, nil, 0600))
	require.NoError(t, os.WriteFile(pid, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	srv := NewServer(newFakeHost(), Options{SocketPath: sock, PIDPath: pid})
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	c := dial(t, sock)
	require.NoError(t, c.Ping(context.Background()))

	data, err := os.ReadFile(pid)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	c.Close()
	require.NoError(t, srv.Close())
	assert.NoFileExists(t, sock)
	assert.NoFileExists(t, pid)
}

func TestDefaultPIDPathSitsNextToSocket(t *testing.T) {
	srv := NewServer(newFakeHost(), Options{SocketPath: "/tmp/x/control.sock"})
	assert.Equal(t, "/tmp/x/control.pid", srv.opts.PIDPath)
}

func TestRequestHonorsContext(t *testing.T) {
	_, sock := startServer(t, &slowHost{fakeHost: newFakeHost()})
	c := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Read(ctx, 1)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

type slowHost struct {
	*fakeHost
}

func (h *slowHost) ReadSession(uint32) ([]byte, error) {
	time.Sleep(2 * time.Second)
	return []byte{}, nil
}

// gatedHost holds ReadSession until release is closed.
type gatedHost struct {
	*fakeHost
	entered  chan struct{}
	release  chan struct{}
	finished atomic.Bool
}

func (h *gatedHost) ReadSession(uint32) ([]byte, error) {
	h.entered <- struct{}{}
	<-h.release
	h.finished.Store(true)
	return []byte{}, nil
}

func TestCloseWaitsForInFlightRequests(t *testing.T) {
	host := &gatedHost{
		fakeHost: newFakeHost(),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	srv, sock := startServer(t, host)
	c := dial(t, sock)

	go func() { _, _ = c.Read(context.Background(), 1) }()
	select {
	case <-host.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the host")
	}

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while a request was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(host.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return after the request finished")
	}
	assert.True(t, host.finished.Load())
}
