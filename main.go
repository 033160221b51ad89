package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/app"
	"github.com/peterje/muxhost/internal/config"
	"github.com/peterje/muxhost/internal/control"
	"github.com/peterje/muxhost/internal/logging"
	"github.com/peterje/muxhost/internal/server"
)

const shutdownTimeout = 5 * time.Second

type rootOptions struct {
	configPath string
}

func (r *rootOptions) load() (*config.Config, error) {
	return config.Load(r.configPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	rootCmd := &cobra.Command{
		Use:           "muxhost",
		Short:         "Terminal sessions and a supervised backend behind one local host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to the config file")
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newCtlCmd(opts))
	rootCmd.AddCommand(newStubBackendCmd())
	rootCmd.AddCommand(newPreflightCmd(opts))
	return rootCmd
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Component("main")

	host, err := app.New(app.Options{Config: cfg, Logger: logger.Logger})
	if err != nil {
		return err
	}

	var ctl *control.Server
	if cfg.Control.Enabled {
		ctl = control.NewServer(host, control.Options{
			SocketPath: cfg.Control.SocketPath,
			PIDPath:    cfg.Control.PIDPath,
			Logger:     logger.Component("control"),
		})
		if err := ctl.Listen(); err != nil {
			host.Shutdown(context.Background())
			if errors.Is(err, control.ErrAlreadyRunning) {
				return fmt.Errorf("another host owns %s: %w", cfg.Control.SocketPath, err)
			}
			return err
		}
		go func() {
			if err := ctl.Serve(); err != nil {
				log.Error("control socket stopped", zap.Error(err))
			}
		}()
	}

	if err := host.Start(ctx); err != nil {
		log.Warn("start interrupted", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	var httpSrv *http.Server
	if cfg.Server.Enabled {
		handler := server.New(host, server.Options{
			Control: ctl,
			Token:   cfg.Server.Token,
			Logger:  logger.Logger,
		}).Handler()
		httpSrv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("http listening", zap.String("addr", cfg.Server.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case runErr = <-serveErr:
		log.Error("http server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Warn("host shutdown", zap.Error(err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}
	if ctl != nil {
		if err := ctl.Close(); err != nil {
			log.Warn("control socket close", zap.Error(err))
		}
	}
	log.Info("host stopped")
	return runErr
}
