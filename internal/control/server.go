// Package control exposes the host's request surface on a local Unix
// socket. Each connection is a yamux session and every request travels on
// its own stream, so a slow read never blocks a resize.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

const streamTimeout = 30 * time.Second

// ErrAlreadyRunning reports a live host already owning the socket.
var ErrAlreadyRunning = errors.New("host already running")

// Host is the request surface served over the socket.
type Host interface {
	CreateSession() (uint32, error)
	WriteSession(id uint32, data []byte) error
	ReadSession(id uint32) ([]byte, error)
	ResizeSession(id uint32, cols, rows uint16) error
	CloseSession(id uint32) error
	ListSessions() []pty.SessionInfo
	SpawnBackend() error
	BackendPort() uint16
	CheckBackendHealth(ctx context.Context) bool
	TerminateBackend() error
	BackendStatus() sidecar.Status
}

type Options struct {
	SocketPath string
	PIDPath    string
	Logger     *zap.Logger
}

// Server accepts control connections for one host.
type Server struct {
	host Host
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*yamux.Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(host Host, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PIDPath == "" && opts.SocketPath != "" {
		opts.PIDPath = strings.TrimSuffix(opts.SocketPath, filepath.Ext(opts.SocketPath)) + ".pid"
	}
	return &Server{
		host:     host,
		opts:     opts,
		log:      logger,
		sessions: make(map[*yamux.Session]struct{}),
	}
}

// Listen binds the socket, clearing a stale one left by a dead host.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.opts.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(s.opts.SocketPath, s.opts.PIDPath, s.log); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if err := os.WriteFile(s.opts.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		listener.Close()
		return fmt.Errorf("write pid file: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("control socket listening", zap.String("path", s.opts.SocketPath), zap.Int("pid", os.Getpid()))
	return nil
}

// Serve accepts connections until Close. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return fmt.Errorf("control server not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track() {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs one yamux session over conn until the peer goes away.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(s.log.Named("yamux"))

	session, err := yamux.Server(conn, cfg)
	if err != nil {
		s.log.Warn("yamux server", zap.Error(err))
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		session.Close()
		return
	}
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		session.Close()
	}()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		if !s.track() {
			stream.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleStream(stream)
		}()
	}
}

// track counts a goroutine Close must wait for. It reports false once Close
// has begun, so no Add races the final Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleStream(stream *yamux.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamTimeout))

	var req Request
	if err := readFrame(stream, frameRequest, &req); err != nil {
		s.log.Debug("bad control request", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()
	resp := s.dispatch(ctx, req)
	resp.ID = req.ID

	if err := writeFrame(stream, frameResponse, resp); err != nil {
		s.log.Debug("write control response", zap.String("command", req.Command), zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	fail := func(err error) Response { return errorResponse(req.ID, err) }

	switch req.Command {
	case CmdPing:
		return Response{}
	case CmdCreate:
		id, err := s.host.CreateSession()
		if err != nil {
			return fail(err)
		}
		return Response{SessionID: id}
	case CmdWrite:
		if err := s.host.WriteSession(req.SessionID, req.Data); err != nil {
			return fail(err)
		}
		return Response{SessionID: req.SessionID}
	case CmdRead:
		data, err := s.host.ReadSession(req.SessionID)
		if err != nil {
			return fail(err)
		}
		return Response{SessionID: req.SessionID, Data: data}
	case CmdResize:
		if err := s.host.ResizeSession(req.SessionID, req.Cols, req.Rows); err != nil {
			return fail(err)
		}
		return Response{SessionID: req.SessionID}
	case CmdClose:
		if err := s.host.CloseSession(req.SessionID); err != nil {
			return fail(err)
		}
		return Response{SessionID: req.SessionID}
	case CmdList:
		return Response{Sessions: s.host.ListSessions()}
	case CmdSpawn:
		if err := s.host.SpawnBackend(); err != nil {
			return fail(err)
		}
		return Response{}
	case CmdPort:
		return Response{Port: s.host.BackendPort()}
	case CmdHealth:
		return Response{Healthy: s.host.CheckBackendHealth(ctx)}
	case CmdTerminate:
		if err := s.host.TerminateBackend(); err != nil {
			return fail(err)
		}
		return Response{}
	case CmdStatus:
		st := s.host.BackendStatus()
		return Response{Status: &st, Port: st.Port}
	default:
		return fail(errs.Invalid("control", fmt.Sprintf("unknown command %q", req.Command)))
	}
}

// Close stops accepting, drops open sessions and removes the socket files.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	sessions := make([]*yamux.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()

	if listener != nil {
		os.Remove(s.opts.SocketPath)
		os.Remove(s.opts.PIDPath)
	}
	return err
}

// cleanStaleSocket removes a socket file whose owner is gone.
func cleanStaleSocket(socketPath, pidPath string, log *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w (socket %s active)", ErrAlreadyRunning, socketPath)
	}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
				}
			}
		}
	}

	log.Info("removing stale control socket", zap.String("path", socketPath))
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
