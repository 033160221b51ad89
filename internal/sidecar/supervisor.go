package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/events"
	"github.com/peterje/muxhost/internal/metrics"
)

const (
	defaultHealthPath    = "/health"
	defaultHealthTimeout = 2 * time.Second
	maxLineSize          = 1024 * 1024
)

// Options configures a Supervisor.
type Options struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	HealthPath    string
	HealthTimeout time.Duration

	// HTTPClient overrides the probe client. Its timeout is still bounded
	// by HealthTimeout through the request context.
	HTTPClient *resty.Client

	Logger  *zap.Logger
	Events  events.Emitter
	Metrics *metrics.Metrics
}

// Supervisor owns the single backend process.
type Supervisor struct {
	opts   Options
	log    *zap.Logger
	events events.Emitter
	http   *resty.Client

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	port      uint16
	gen       uint64
	startedAt time.Time
	lastExit  *int
	done      chan struct{} // closed when the current generation's consumer returns
}

func New(opts Options) *Supervisor {
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	if opts.HealthTimeout <= 0 || opts.HealthTimeout > defaultHealthTimeout {
		opts.HealthTimeout = defaultHealthTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.Discard{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = resty.New().
			SetTimeout(opts.HealthTimeout).
			SetRetryCount(0).
			SetHeader("User-Agent", "muxhost-health/1.0")
	}
	return &Supervisor{
		opts:   opts,
		log:    logger,
		events: emitter,
		http:   client,
	}
}

// Spawn starts the backend and returns as soon as the process is running.
// The port is published later by the output consumer.
func (s *Supervisor) Spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		s.countSpawn("rejected")
		return errs.Errorf(errs.KindSpawn, "spawn backend", "backend already running (pid %d)", s.cmd.Process.Pid)
	}
	if s.opts.Path == "" {
		s.countSpawn("fail")
		return errs.Errorf(errs.KindSpawn, "spawn backend", "no backend executable configured")
	}

	cmd := exec.Command(s.opts.Path, s.opts.Args...)
	cmd.Dir = s.opts.Dir
	if len(s.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), s.opts.Env...)
	}
	setProcAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.countSpawn("fail")
		return errs.Spawn("spawn backend", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.countSpawn("fail")
		return errs.Spawn("spawn backend", err)
	}
	if err := cmd.Start(); err != nil {
		s.countSpawn("fail")
		return errs.Spawn("spawn backend", err)
	}

	s.gen++
	s.cmd = cmd
	s.port = 0
	s.startedAt = time.Now()
	s.done = make(chan struct{})
	s.setState(Starting)
	s.countSpawn("ok")

	s.log.Info("backend started",
		zap.String("path", s.opts.Path),
		zap.Int("pid", cmd.Process.Pid),
		zap.Uint64("generation", s.gen))

	s.events.Emit(events.BackendSpawned, cmd.Process.Pid)
	go s.consume(s.gen, cmd, stdout, stderr, s.done)
	return nil
}

// consume drains the backend's output for one spawn and records its exit.
func (s *Supervisor) consume(gen uint64, cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	defer close(done)
	log := s.log.With(zap.Uint64("generation", gen))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			log.Warn("backend stderr", zap.String("line", strings.TrimSpace(scanner.Text())))
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	announced := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if port, ok := ParsePort(line); ok {
			if announced {
				log.Warn("ignoring repeated port announcement", zap.Uint16("port", port))
				continue
			}
			if s.publish(gen, port) {
				announced = true
				log.Info("backend announced port", zap.Uint16("port", port))
				s.events.Emit(events.BackendReady, port)
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), PortMarker) {
			log.Warn("malformed port announcement", zap.String("line", line))
			continue
		}
		log.Debug("backend stdout", zap.String("line", strings.TrimSpace(line)))
	}
	if err := scanner.Err(); err != nil {
		log.Warn("backend stdout scan stopped", zap.Error(err))
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()

	waitErr := cmd.Wait()
	code := exitCode(cmd.ProcessState)
	s.finish(gen, code)

	fields := []zap.Field{zap.Error(waitErr)}
	if code != nil {
		fields = append(fields, zap.Int("code", *code))
	}
	log.Info("backend terminated", fields...)
	s.events.Emit(events.BackendTerminated, code)
}

// publish records the announced port if gen is still the tracked spawn.
func (s *Supervisor) publish(gen uint64, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.cmd == nil {
		return false
	}
	s.port = port
	s.setState(Running)
	return true
}

func (s *Supervisor) finish(gen uint64, code *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastExit = code
	if s.gen != gen {
		return
	}
	s.cmd = nil
	s.port = 0
	s.setState(Terminated)
}

// Port returns the published port, or 0 while unknown.
func (s *Supervisor) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.state,
		Port:       s.port,
		Generation: s.gen,
		LastExit:   s.lastExit,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.StartedAt = s.startedAt
	}
	return st
}

// Terminate kills the tracked backend, if any. The port reverts to unknown
// immediately; the consumer still emits the terminated event once the
// process is reaped.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.port = 0
	cmd := s.cmd
	if cmd == nil {
		return nil
	}
	s.cmd = nil
	s.setState(Terminated)

	s.log.Info("terminating backend", zap.Int("pid", cmd.Process.Pid))
	if err := kill(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errs.New(errs.KindIO, "terminate backend", strconv.Itoa(cmd.Process.Pid), err)
	}
	return nil
}

// Stop terminates the backend and waits for its consumer to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if err := s.Terminate(); err != nil {
		return err
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Timeout("stop backend", ctx.Err())
	}
}

// Probe issues one bounded liveness request against the published port.
// An unknown port reports (false, nil) without touching the network.
func (s *Supervisor) Probe(ctx context.Context) (bool, error) {
	port := s.Port()
	if port == 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, s.opts.HealthPath)
	resp, err := s.http.R().SetContext(ctx).Get(url)
	if err != nil {
		if isTimeout(err) {
			return false, errs.Timeout("probe backend", err)
		}
		return false, errs.New(errs.KindIO, "probe backend", strconv.Itoa(int(port)), err)
	}
	return resp.IsSuccess(), nil
}

// CheckHealth reports whether the backend answered its health path with a
// 2xx. Failures of any kind read as unhealthy.
func (s *Supervisor) CheckHealth(ctx context.Context) bool {
	ok, err := s.Probe(ctx)
	if err != nil {
		s.log.Debug("health probe failed", zap.Error(err))
	}
	healthy := ok && err == nil
	if s.opts.Metrics != nil && s.Port() != 0 {
		s.opts.Metrics.HealthProbes.WithLabelValues(metrics.Result(healthy)).Inc()
	}
	return healthy
}

// setState records a transition. Caller holds s.mu.
func (s *Supervisor) setState(st State) {
	s.state = st
	if s.opts.Metrics != nil {
		s.opts.Metrics.BackendState.Set(float64(st))
	}
}

func (s *Supervisor) countSpawn(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.BackendSpawns.WithLabelValues(result).Inc()
	}
}

// exitCode returns nil when the process died from a signal.
func exitCode(ps *os.ProcessState) *int {
	if ps == nil {
		return nil
	}
	code := ps.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
