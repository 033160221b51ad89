// Package bridge forwards requests from the host to its backend over the
// loopback port the sidecar supervisor published.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/metrics"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxErrorBody       = 512
)

var methodPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)

// PortSource reports the backend's current port, 0 while unknown.
type PortSource interface {
	Port() uint16
}

type Options struct {
	// Prefix is the path under which the backend mounts its procedures.
	Prefix      string
	CallTimeout time.Duration
	// ProbeRetries bounds retries of the idempotent availability probe.
	ProbeRetries int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Forwarder relays procedure calls to the backend.
type Forwarder struct {
	ports  PortSource
	opts   Options
	log    *zap.Logger
	client *resty.Client
	probe  *retryablehttp.Client
}

func New(ports PortSource, opts Options) *Forwarder {
	if opts.Prefix == "" {
		opts.Prefix = "/orpc"
	}
	opts.Prefix = "/" + strings.Trim(opts.Prefix, "/")
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ProbeRetries < 0 {
		opts.ProbeRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	probe := retryablehttp.NewClient()
	probe.RetryMax = opts.ProbeRetries
	probe.RetryWaitMin = 50 * time.Millisecond
	probe.RetryWaitMax = 500 * time.Millisecond
	probe.HTTPClient.Timeout = 2 * time.Second
	probe.Logger = leveled{logger.Sugar()}

	// Calls are not idempotent, so resty never retries; it only borrows the
	// pooled transport.
	client := resty.New().
		SetTimeout(opts.CallTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "muxhost-bridge/1.0").
		SetTransport(probe.HTTPClient.Transport)

	return &Forwarder{
		ports:  ports,
		opts:   opts,
		log:    logger,
		client: client,
		probe:  probe,
	}
}

// Call posts params to the named procedure and returns the raw response
// body. Empty params are sent as an empty object.
func (f *Forwarder) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	method = strings.Trim(method, "/")
	if method == "" || !methodPattern.MatchString(method) || strings.Contains(method, "..") {
		return nil, errs.Invalid("forward", fmt.Sprintf("bad method name %q", method))
	}
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	} else if !json.Valid(params) {
		return nil, errs.Invalid("forward "+method, "params are not valid JSON")
	}

	port := f.ports.Port()
	if port == 0 {
		f.count(false)
		return nil, errs.Unavailable("forward "+method, "backend port unknown")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s/%s", port, f.opts.Prefix, method)
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody([]byte(params)).
		Post(url)
	if err != nil {
		f.count(false)
		if ctx.Err() != nil {
			return nil, errs.Timeout("forward "+method, err)
		}
		return nil, errs.New(errs.KindIO, "forward", method, err)
	}
	if !resp.IsSuccess() {
		f.count(false)
		return nil, errs.Errorf(errs.KindIO, "forward "+method, "backend returned %d: %s",
			resp.StatusCode(), truncate(resp.String()))
	}
	f.count(true)

	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	f.log.Debug("forwarded", zap.String("method", method), zap.Int("bytes", len(body)))
	return json.RawMessage(body), nil
}

// Available reports whether the backend answers its procedure health route.
func (f *Forwarder) Available(ctx context.Context) bool {
	port := f.ports.Port()
	if port == 0 {
		return false
	}
	url := "http://127.0.0.1:" + strconv.Itoa(int(port)) + f.opts.Prefix + "/health"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := f.probe.Do(req)
	if err != nil {
		f.log.Debug("backend unavailable", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (f *Forwarder) count(ok bool) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.BackendForward.WithLabelValues(metrics.Result(ok)).Inc()
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// leveled adapts zap to retryablehttp's LeveledLogger.
type leveled struct {
	s *zap.SugaredLogger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
