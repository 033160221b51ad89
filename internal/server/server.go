// Package server assembles the host's loopback HTTP surface.
package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/api"
	"github.com/peterje/muxhost/internal/app"
	"github.com/peterje/muxhost/internal/control"
	"github.com/peterje/muxhost/internal/ws"
)

type Options struct {
	// Control serves the control protocol on /ws/control when set.
	Control *control.Server
	// Token, when set, is required on every request but the health check.
	Token  string
	Logger *zap.Logger
}

type Server struct {
	mux     *http.ServeMux
	app     *app.App
	control *control.Server
	token   string
	log     *zap.Logger
}

func New(a *app.App, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		app:     a,
		control: opts.Control,
		token:   opts.Token,
		log:     logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the router wrapped in logging, metrics, recovery and,
// when configured, token auth.
func (s *Server) Handler() http.Handler {
	log := s.log.Named("http")
	return loggingMiddleware(log, s.app.Metrics(),
		recoveryMiddleware(log, tokenMiddleware(s.token, s)))
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.app, s.log.Named("api"))
	backend := api.NewBackendHandler(s.app, s.log.Named("api"))
	system := api.NewSystemHandler(s.app, s.app.Journal())

	// Host
	s.mux.HandleFunc("GET /api/health", system.HandleHealth)
	s.mux.HandleFunc("GET /api/system", system.HandleSystem)
	s.mux.HandleFunc("GET /api/journal/sessions", system.HandleJournalSessions)
	s.mux.HandleFunc("GET /api/journal/backend", system.HandleJournalBackend)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("POST /api/sessions/{id}/write", sessions.HandleWrite)
	s.mux.HandleFunc("GET /api/sessions/{id}/read", sessions.HandleRead)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)

	// Backend
	s.mux.HandleFunc("POST /api/backend/spawn", backend.HandleSpawn)
	s.mux.HandleFunc("GET /api/backend/port", backend.HandlePort)
	s.mux.HandleFunc("GET /api/backend/health", backend.HandleHealth)
	s.mux.HandleFunc("POST /api/backend/terminate", backend.HandleTerminate)
	s.mux.HandleFunc("GET /api/backend/status", backend.HandleStatus)
	s.mux.HandleFunc("POST /api/rpc/{method...}", backend.HandleCall)

	// WebSocket
	s.mux.Handle("GET /ws/sessions/{id}", ws.NewHandler(s.app, s.log.Named("ws")))
	s.mux.Handle("GET /ws/events", ws.NewEventsHandler(s.app.Bus(), s.log.Named("ws")))
	if s.control != nil {
		s.mux.HandleFunc("GET /ws/control", s.handleControl)
	}

	s.mux.Handle("GET /metrics", s.app.Metrics().Handler())
}

var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleControl runs the control protocol over a websocket for clients
// that cannot reach the unix socket.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("control upgrade failed", zap.Error(err))
		return
	}
	s.control.ServeConn(control.NewWSConn(conn))
}
