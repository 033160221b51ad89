package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/events"
	"github.com/peterje/muxhost/internal/metrics"
)

const (
	defaultCols       = 80
	defaultRows       = 24
	defaultReadChunk  = 8 * 1024
	defaultPollWindow = 10 * time.Millisecond
	writeTimeout      = 5 * time.Second
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	Shell      string // empty means DefaultShell()
	Cols       uint16
	Rows       uint16
	ReadChunk  int
	PollWindow time.Duration
	Env        []string

	Logger  *zap.Logger
	Events  events.Emitter
	Metrics *metrics.Metrics
}

// DefaultShell returns the interactive shell for this OS: cmd.exe on
// Windows, otherwise $SHELL with /bin/bash as fallback.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// Session is one shell bound to a PTY.
//
// ptmx is the PTY master. Writes, polled reads and TIOCSWINSZ all go
// through it while holding mu, so mu is the ownership boundary that lets
// the handle be used from whichever goroutine serves the current request.
// Holding mu across a read is only safe because the read is bounded by the
// poll window, and that bound needs the descriptor in non-blocking mode.
// Every creack/pty call that goes through Fd must be followed by
// restoreNonblock.
type Session struct {
	ID        uint32
	Shell     string
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	closed bool

	exited atomic.Bool
	done   chan struct{}
}

// Done is closed once the shell process has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return SessionInfo{
		ID:        s.ID,
		Shell:     s.Shell,
		Cols:      s.cols,
		Rows:      s.rows,
		PID:       pid,
		StartedAt: s.StartedAt,
		Exited:    s.exited.Load(),
	}
}

// release closes the master and kills the shell if it is still running.
// Caller holds s.mu.
func (s *Session) release() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.ptmx.Close()
	if !s.exited.Load() && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Manager is the session registry.
type Manager struct {
	opts   Options
	log    *zap.Logger
	events events.Emitter

	nextID atomic.Uint32

	mu       sync.RWMutex
	sessions map[uint32]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = defaultReadChunk
	}
	if opts.PollWindow <= 0 {
		opts.PollWindow = defaultPollWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Manager{
		opts:     opts,
		log:      logger,
		events:   emitter,
		sessions: make(map[uint32]*Session),
	}
}

func (m *Manager) shell() string {
	if m.opts.Shell != "" {
		return m.opts.Shell
	}
	return DefaultShell()
}

// Create starts the default shell on a fresh PTY and registers it.
func (m *Manager) Create() (uint32, error) {
	shell := m.shell()
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, m.opts.Env...)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: m.opts.Rows, Cols: m.opts.Cols})
	if err != nil {
		m.countError("create", errs.KindSpawn)
		return 0, errs.Spawn("create session", fmt.Errorf("start %s on pty: %w", shell, err))
	}
	if err := restoreNonblock(ptmx); err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		m.countError("create", errs.KindSpawn)
		return 0, errs.Spawn("create session", fmt.Errorf("set pty non-blocking: %w", err))
	}

	sess := &Session{
		ID:        m.nextID.Add(1),
		Shell:     shell,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		cols:      m.opts.Cols,
		rows:      m.opts.Rows,
		done:      make(chan struct{}),
	}

	// Reap the shell. Liveness is still discovered on the next I/O call.
	go func() {
		_ = cmd.Wait()
		sess.exited.Store(true)
		close(sess.done)
		m.log.Debug("shell exited", zap.Uint32("session", sess.ID), zap.Int("code", cmd.ProcessState.ExitCode()))
	}()

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionsCreated.Inc()
		m.opts.Metrics.SessionsActive.Inc()
	}
	m.log.Info("session created",
		zap.Uint32("session", sess.ID),
		zap.String("shell", shell),
		zap.Int("pid", cmd.Process.Pid))
	m.events.Emit(events.TerminalCreated, sess.ID)
	return sess.ID, nil
}

// acquire looks up a live session and returns it locked.
func (m *Manager) acquire(op string, id uint32) (*Session, error) {
	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess == nil {
		m.countError(op, errs.KindNotFound)
		return nil, errs.NotFound(op+" session", idString(id))
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		m.countError(op, errs.KindNotFound)
		return nil, errs.NotFound(op+" session", idString(id))
	}
	return sess, nil
}

// Write sends input to the shell.
func (m *Manager) Write(id uint32, data []byte) error {
	sess, err := m.acquire("write", id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	if sess.exited.Load() {
		m.countError("write", errs.KindIO)
		return errs.IO("write session", idString(id), errors.New("shell has exited"))
	}
	if len(data) == 0 {
		return nil
	}
	_ = sess.ptmx.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := sess.ptmx.Write(data); err != nil {
		m.countError("write", errs.KindIO)
		return errs.IO("write session", idString(id), err)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.BytesWritten.Add(float64(len(data)))
	}
	return nil
}

// Read drains at most one chunk of pending output. It waits no longer than
// the poll window and returns an empty slice when nothing is available.
// A hung-up master removes the session and reports an I/O error; later
// calls report not found.
func (m *Manager) Read(id uint32) ([]byte, error) {
	sess, err := m.acquire("read", id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	if err := sess.ptmx.SetReadDeadline(time.Now().Add(m.opts.PollWindow)); err != nil {
		m.countError("read", errs.KindIO)
		return nil, errs.IO("read session", idString(id), fmt.Errorf("pty is not pollable: %w", err))
	}

	buf := make([]byte, m.opts.ReadChunk)
	n, rerr := sess.ptmx.Read(buf)
	if n > 0 {
		if m.opts.Metrics != nil {
			m.opts.Metrics.BytesRead.Add(float64(n))
		}
		return buf[:n], nil
	}
	if rerr == nil || errors.Is(rerr, os.ErrDeadlineExceeded) {
		return []byte{}, nil
	}
	if isHangup(rerr) {
		m.forget(sess)
		sess.release()
		m.log.Info("session ended", zap.Uint32("session", id), zap.Error(rerr))
		m.events.Emit(events.TerminalClosed, id)
		m.countError("read", errs.KindIO)
		return nil, errs.IO("read session", idString(id), fmt.Errorf("shell exited: %w", rerr))
	}
	m.countError("read", errs.KindIO)
	return nil, errs.IO("read session", idString(id), rerr)
}

// Resize applies a new geometry to the live PTY.
func (m *Manager) Resize(id uint32, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return errs.Invalid("resize session", fmt.Sprintf("geometry must be positive, got %dx%d", cols, rows))
	}
	sess, err := m.acquire("resize", id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		m.countError("resize", errs.KindIO)
		return errs.IO("resize session", idString(id), err)
	}
	if err := restoreNonblock(sess.ptmx); err != nil {
		m.countError("resize", errs.KindIO)
		return errs.IO("resize session", idString(id), fmt.Errorf("set pty non-blocking: %w", err))
	}
	sess.cols = cols
	sess.rows = rows
	return nil
}

// Close removes the session and releases its PTY, terminating the shell.
// Only the first of several concurrent closes succeeds.
func (m *Manager) Close(id uint32) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.countError("close", errs.KindNotFound)
		return errs.NotFound("close session", idString(id))
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	m.activeDec()

	sess.mu.Lock()
	sess.release()
	sess.mu.Unlock()

	m.log.Info("session closed", zap.Uint32("session", id))
	m.events.Emit(events.TerminalClosed, id)
	return nil
}

// forget drops sess from the map if it is still the registered entry.
func (m *Manager) forget(sess *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[sess.ID]
	if ok && cur == sess {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()
	if ok && cur == sess {
		m.activeDec()
	}
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id uint32) (SessionInfo, error) {
	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess == nil {
		return SessionInfo{}, errs.NotFound("get session", idString(id))
	}
	return sess.info(), nil
}

// List returns snapshots of all registered sessions ordered by id.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll closes every registered session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Close(id)
	}
}

func (m *Manager) activeDec() {
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionsActive.Dec()
	}
}

func (m *Manager) countError(op string, kind errs.Kind) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionErrors.WithLabelValues(op, kind.String()).Inc()
	}
}

// isHangup reports errors meaning the slave side is gone: EIO on Linux,
// EOF on the BSDs and macOS.
func isHangup(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func idString(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

var _ SessionManager = (*Manager)(nil)
