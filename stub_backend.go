package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/api"
	"github.com/peterje/muxhost/internal/logging"
	"github.com/peterje/muxhost/internal/sidecar"
)

func newStubBackendCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:    "stub-backend",
		Short:  "Run a development backend that echoes procedure calls",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			// stdout carries the port marker, so logs go to stderr.
			logger, err := logging.New(logging.Config{Level: "warn", OutputPaths: []string{"stderr"}})
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runStubBackend(ctx, port, cmd.OutOrStdout(), logger.Component("stub"))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to bind on 127.0.0.1 (0 picks one)")
	return cmd
}

func runStubBackend(ctx context.Context, port int, out io.Writer, log *zap.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	bound := ln.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(out, "%s%d\n", sidecar.PortMarker, bound)

	srv := &http.Server{Handler: newStubHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("stub backend stopped", zap.Error(err))
		return err
	}
	return nil
}

// newStubHandler answers health probes and echoes every procedure call as
// {"method": ..., "params": ...}.
func newStubHandler() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /orpc/health", health)
	mux.HandleFunc("POST /orpc/{method...}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			body = []byte("null")
		}
		if !json.Valid(body) {
			http.Error(w, "params must be JSON", http.StatusBadRequest)
			return
		}
		api.WriteJSON(w, http.StatusOK, struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}{r.PathValue("method"), body})
	})
	return mux
}
