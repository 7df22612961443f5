// Command facilityapi serves the facility information API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"facilityapi/internal/api"
	"facilityapi/internal/auth"
	"facilityapi/internal/beamline"
	"facilityapi/internal/config"
	"facilityapi/internal/facility"
	"facilityapi/internal/jobs"
	"facilityapi/internal/metrics"
	"facilityapi/internal/proposal"
	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
	"facilityapi/internal/store/postgres"
	"facilityapi/internal/store/sqlite"
	"facilityapi/internal/upstream/n2sn"
	"facilityapi/internal/upstream/pass"
	"facilityapi/internal/upstream/people"
	"facilityapi/internal/upstream/ups"
	"facilityapi/pkg/domain"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()

	passClient := pass.NewClient(cfg.PASS.BaseURL, cfg.PASS.APIKey)
	upsClient := ups.NewClient(cfg.UPS.BaseURL, cfg.UPS.Username, cfg.UPS.Password)
	peopleClient := people.NewClient(cfg.People.BaseURL)
	groupsClient := n2sn.NewClient(cfg.Directory.BaseURL)

	engine := jobs.NewEngine(st, map[domain.SyncSource]jobs.Synchronizer{
		domain.SyncSourcePASS: jobs.NewPassSynchronizer(st, passClient, peopleClient, groupsClient, logger, m),
		domain.SyncSourceUPS:  jobs.NewUPSSynchronizer(st, upsClient, peopleClient, groupsClient, logger, m),
	}, logger, m, cfg.JobPoll)
	engine.Start()

	server := api.NewServer(api.Config{
		Logger:     logger,
		Metrics:    m,
		Auth:       auth.NewService(st),
		Facilities: facility.NewService(st),
		Beamlines:  beamline.NewService(st),
		Proposals:  proposal.NewService(st),
		Engine:     engine,
		People:     peopleClient,
		Store:      st,
		Version:    version,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "store", cfg.Store.Driver, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("job engine shutdown incomplete", "error", err)
	}
	return nil
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverPostgres:
		return postgres.NewStore(cfg.Store.DSN)
	case config.DriverSQLite:
		return sqlite.NewStore(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
