// Package app wires the refresh daemon together: store, backend client,
// refresh engine, snapshot archive, and the admin HTTP server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mattburnham/data-formulator-sub001/internal/archive"
	"github.com/mattburnham/data-formulator-sub001/internal/backend"
	"github.com/mattburnham/data-formulator-sub001/internal/config"
	"github.com/mattburnham/data-formulator-sub001/internal/fetch"
	"github.com/mattburnham/data-formulator-sub001/internal/propagate"
	"github.com/mattburnham/data-formulator-sub001/internal/refresh"
	"github.com/mattburnham/data-formulator-sub001/internal/store"
)

// App is the assembled refresh daemon.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store        store.Store
	orchestrator *refresh.Orchestrator
	engine       *refresh.Engine
	httpServer   *http.Server
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger.Named("backend"))
	fetcher := fetch.NewFetcher(client, cfg.Backend.Timeout, logger.Named("fetch"))

	var archiver refresh.Archiver
	if cfg.Archive.Enabled {
		objStore, err := buildObjectStore(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		archiver = archive.NewArchiver(objStore, cfg.Archive.KeepCount, logger.Named("archive"))
	}

	orch := refresh.NewOrchestrator(st, fetcher, archiver, logger.Named("refresh"))
	registry := refresh.NewRegistry(st, orch, logger.Named("schedule"))
	propagator := propagate.NewPropagator(st, client, orch.InFlight, logger.Named("propagate"))
	engine := refresh.NewEngine(st, registry, propagator, logger.Named("engine"))

	a := &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		orchestrator: orch,
		engine:       engine,
	}
	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

// Start launches the refresh engine and the admin HTTP server.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(); err != nil {
		return err
	}

	go func() {
		a.logger.Info("admin server listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts everything down in reverse order.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	a.engine.Stop()
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("shutdown complete")
	return firstErr
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/trigger", a.handleTrigger)
	mux.HandleFunc("/notifications", a.handleNotifications)
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTrigger requests an out-of-band refresh for one table. The request
// is dropped with 409 when a refresh is already running.
func (a *App) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	tableID := r.URL.Query().Get("table")
	if tableID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "table query parameter required"})
		return
	}
	if _, err := a.store.GetTable(r.Context(), tableID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "table not found"})
		return
	}
	if a.orchestrator.InFlight(tableID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "refresh already in progress"})
		return
	}

	go a.orchestrator.Refresh(context.Background(), tableID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "table": tableID})
}

func (a *App) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	notes, err := a.store.ListNotifications(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notes})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func buildObjectStore(cfg *config.Config) (archive.ObjectStore, error) {
	switch cfg.Archive.Type {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return archive.NewS3Store(ctx, cfg.Archive.S3.Bucket, archive.S3Config{
			Region:       cfg.Archive.S3.Region,
			Endpoint:     cfg.Archive.S3.Endpoint,
			UsePathStyle: cfg.Archive.S3.UsePathStyle,
		})
	default:
		return archive.NewLocalStore(cfg.Archive.Path)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
