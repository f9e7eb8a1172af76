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

	chiTransport "github.com/huntsman-telescope/drp/internal/transport/chi"
	healthuc "github.com/huntsman-telescope/drp/internal/usecase/health"
	"github.com/huntsman-telescope/drp/internal/version"
)

// service is a background loop started by serve.
type service interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enabled services and the HTTP status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg

	logger.Info("Starting huntsman DRP",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", a.env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
	)

	loops := map[string]healthuc.Loop{}
	statuses := map[string]chiTransport.StatusFunc{}
	var started []service
	start := func(name string, s service, status chiTransport.StatusFunc) error {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, s)
		loops[name] = s
		statuses[name] = status
		logger.Info("Service started", zap.String("service", name))
		return nil
	}
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i].Stop()
		}
		logger.Info("Services stopped")
	}()

	// Control endpoints stay available when the loops are disabled.
	calibSvc := a.calibService()

	if cfg.Services.Ingestor.Enabled {
		s := a.ingestService("")
		if err := start("file_ingestor", s, func() any { return s.Status() }); err != nil {
			return err
		}
	}
	if cfg.Services.CalibMaker.Enabled {
		if err := start("calib_maker", calibSvc, func() any { return calibSvc.Status() }); err != nil {
			return err
		}
	}
	if cfg.Services.Quality.Enabled {
		s := a.qualityService()
		if err := start("calexp_monitor", s, func() any { return s.Status() }); err != nil {
			return err
		}
	}
	if cfg.Services.Health.Enabled {
		m := a.healthMonitor()
		if err := start(healthuc.MonitorName, m, func() any { return m.Status() }); err != nil {
			return err
		}
	}

	healthSvc := healthuc.New(a.store, loops)
	server := chiTransport.NewServer(healthSvc, statuses, calibSvc, a.exposures, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      chiTransport.NewRouter(server, cfg.Auth.APIKeys, logger),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}
