// Package app wires the session registry, the backend supervisor and their
// supporting services into one host and exposes its request operations.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/bridge"
	"github.com/peterje/muxhost/internal/config"
	"github.com/peterje/muxhost/internal/db"
	"github.com/peterje/muxhost/internal/events"
	"github.com/peterje/muxhost/internal/journal"
	"github.com/peterje/muxhost/internal/metrics"
	"github.com/peterje/muxhost/internal/models"
	"github.com/peterje/muxhost/internal/preflight"
	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

// SelfBackend as the backend path runs this binary's stub backend.
const SelfBackend = "self"

// StubBackendCommand is the subcommand the host re-executes itself with.
const StubBackendCommand = "stub-backend"

type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Executable replaces the backend path "self". Defaults to os.Executable.
	Executable string
}

// App is one running host.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	bus       *events.Bus
	metrics   *metrics.Metrics
	sessions  pty.SessionManager
	backend   *sidecar.Supervisor
	forwarder *bridge.Forwarder
	preflight preflight.Report
	startedAt time.Time

	database *sql.DB
	journal  *journal.Journal

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the host without starting anything.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backendPath, backendArgs, err := resolveBackend(cfg.Backend, opts.Executable)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       logger,
		bus:       events.NewBus(),
		metrics:   metrics.New(),
		startedAt: time.Now(),
	}
	a.sessions = pty.NewManager(pty.Options{
		Shell:      cfg.Terminal.Shell,
		Cols:       cfg.Terminal.Cols,
		Rows:       cfg.Terminal.Rows,
		ReadChunk:  cfg.Terminal.ReadChunk,
		PollWindow: cfg.Terminal.PollWindow,
		Logger:     logger.Named("pty"),
		Events:     a.bus,
		Metrics:    a.metrics,
	})
	a.backend = sidecar.New(sidecar.Options{
		Path:          backendPath,
		Args:          backendArgs,
		Dir:           cfg.Backend.Dir,
		HealthPath:    cfg.Health.Path,
		HealthTimeout: cfg.Health.Timeout,
		Logger:        logger.Named("sidecar"),
		Events:        a.bus,
		Metrics:       a.metrics,
	})
	a.forwarder = bridge.New(a.backend, bridge.Options{
		ProbeRetries: 2,
		Logger:       logger.Named("bridge"),
		Metrics:      a.metrics,
	})

	shell := cfg.Terminal.Shell
	if shell == "" {
		shell = pty.DefaultShell()
	}
	a.preflight = preflight.CheckAll(shell, backendPath, logger.Named("preflight"))

	if cfg.Journal.Enabled {
		database, err := db.OpenAndMigrate(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j, err := journal.New(database, logger.Named("journal"))
		if err != nil {
			database.Close()
			return nil, err
		}
		a.database = database
		a.journal = j
	}
	return a, nil
}

func resolveBackend(cfg config.BackendConfig, executable string) (string, []string, error) {
	if cfg.Path != SelfBackend {
		return cfg.Path, cfg.Args, nil
	}
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve executable: %w", err)
		}
		executable = exe
	}
	return executable, append([]string{StubBackendCommand}, cfg.Args...), nil
}

// Start reconciles the journal and auto-starts the backend. A backend that
// fails to spawn is logged, not fatal: terminals still work.
func (a *App) Start(ctx context.Context) error {
	if a.journal != nil {
		if _, err := a.journal.MarkOrphaned(); err != nil {
			a.log.Warn("journal reconcile failed", zap.Error(err))
		}
		ch, _ := a.bus.SubscribeAll()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			// Runs until the bus closes at shutdown so queued events drain.
			a.journal.Consume(context.Background(), ch, a.sessions.Get)
		}()
	}

	if a.cfg.Backend.AutoStart && a.cfg.Backend.Path != "" {
		if err := a.SpawnBackend(); err != nil {
			a.log.Warn("backend did not start, continuing without it", zap.Error(err))
		}
	}
	a.log.Info("host started",
		zap.Int("pid", os.Getpid()),
		zap.Bool("journal", a.journal != nil),
		zap.Bool("shell_ok", a.preflight.OK()))
	return ctx.Err()
}

// Shutdown announces app-closing, closes every session, stops the backend
// and flushes the journal. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.log.Info("host shutting down")
		a.bus.Emit(events.AppClosing, nil)

		a.sessions.CloseAll()
		if err := a.backend.Stop(ctx); err != nil {
			a.log.Warn("backend stop", zap.Error(err))
			a.shutdownErr = err
		}

		a.bus.Close()
		a.wg.Wait()

		if a.journal != nil {
			if err := a.journal.Stop(); err != nil {
				a.log.Warn("journal stop", zap.Error(err))
			}
			if err := a.database.Close(); err != nil && a.shutdownErr == nil {
				a.shutdownErr = err
			}
		}
	})
	return a.shutdownErr
}

// Request operations.

func (a *App) CreateSession() (uint32, error) { return a.sessions.Create() }

func (a *App) WriteSession(id uint32, data []byte) error { return a.sessions.Write(id, data) }

func (a *App) ReadSession(id uint32) ([]byte, error) { return a.sessions.Read(id) }

func (a *App) ResizeSession(id uint32, cols, rows uint16) error {
	return a.sessions.Resize(id, cols, rows)
}

func (a *App) CloseSession(id uint32) error { return a.sessions.Close(id) }

func (a *App) GetSession(id uint32) (pty.SessionInfo, error) { return a.sessions.Get(id) }

func (a *App) ListSessions() []pty.SessionInfo { return a.sessions.List() }

func (a *App) SpawnBackend() error { return a.backend.Spawn() }

func (a *App) BackendPort() uint16 { return a.backend.Port() }

func (a *App) CheckBackendHealth(ctx context.Context) bool { return a.backend.CheckHealth(ctx) }

func (a *App) TerminateBackend() error { return a.backend.Terminate() }

func (a *App) BackendStatus() sidecar.Status { return a.backend.Status() }

// Forward relays a procedure call to the backend.
func (a *App) Forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return a.forwarder.Call(ctx, method, params)
}

func (a *App) Bus() *events.Bus { return a.bus }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Forwarder() *bridge.Forwarder { return a.forwarder }

// Journal is nil when journaling is disabled.
func (a *App) Journal() *journal.Journal { return a.journal }

func (a *App) Health() models.HealthResponse {
	status := "ok"
	if !a.preflight.OK() {
		status = "degraded"
	}
	return models.HealthResponse{
		Status:   status,
		Sessions: len(a.sessions.List()),
		Backend:  a.backend.Status(),
		Tools:    a.preflight.Tools(),
	}
}

func (a *App) SystemInfo() models.SystemInfo {
	hostname, _ := os.Hostname()
	return models.SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		PID:       os.Getpid(),
		GoVersion: runtime.Version(),
		Shell:     a.preflight.Shell.Command,
		StartedAt: a.startedAt,
	}
}
