// Package harvester wires the crawler together and runs it.
package harvester

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/config"
	"github.com/harvestq/harvestq/internal/debug"
	"github.com/harvestq/harvestq/internal/dispatcher"
	"github.com/harvestq/harvestq/internal/handler"
	"github.com/harvestq/harvestq/internal/health"
	"github.com/harvestq/harvestq/internal/logger"
	"github.com/harvestq/harvestq/internal/queue"
	"github.com/harvestq/harvestq/internal/store/postgres"
)

const configPath = "config.yaml"

// Run starts the harvester and blocks until shutdown or error.
func Run() error {
	log := logger.New("harvester")

	cfg, err := config.New(configPath)
	if err != nil {
		log.Error().Err(err).Msg("load configuration")
		return err
	}

	log.Info().
		Str("db_host", cfg.DB.Host).
		Int("queue_threshold", cfg.Scheduler.QueueThreshold).
		Int("objects_per_token", cfg.Scheduler.ObjectsPerToken).
		Float64("mark_timestamp_delta", cfg.Scheduler.MarkTimestampDelta).
		Int("per_page", cfg.GithubAPI.PerPage).
		Int("pool_size", cfg.Scheduler.PoolSize).
		Msg("harvester starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openWithRetry(ctx, cfg.DB.DSN())
	if err != nil {
		log.Error().Err(err).Msg("postgres open")
		return err
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.DB.MaxConnections)
	db.SetMaxIdleConns(cfg.DB.MinConnections)

	st := postgres.NewWithDB(db)

	mgr := queue.NewManager(st.Queue(), queue.Config{
		QueueThreshold:  cfg.Scheduler.QueueThreshold,
		ObjectsPerToken: cfg.Scheduler.ObjectsPerToken,
		PerPage:         cfg.GithubAPI.PerPage,
		ClaimHalfWidth:  time.Duration(cfg.Scheduler.MarkTimestampDelta * float64(time.Second)),
	}, log)

	client := resty.New().SetTimeout(30 * time.Second)
	h := handler.New(mgr, st, client, cfg.GithubAPI.PerPage, log)

	disp := dispatcher.New(mgr, h, dispatcher.Config{
		PoolSize: cfg.Scheduler.PoolSize,
	}, log)

	if cfg.DebugAddr != "" {
		if pinger, ok := st.(health.HealthPinger); ok {
			startDebugServer(ctx, cfg.DebugAddr, pinger, log)
		}
	}

	if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatcher exit")
		return err
	}
	return nil
}

// openWithRetry pings the database with exponential backoff so the
// harvester survives a database that comes up after it does.
func openWithRetry(ctx context.Context, dsn string) (*sql.DB, error) {
	var db *sql.DB
	op := func() error {
		var err error
		db, err = postgres.Open(dsn)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return db, nil
}

// startDebugServer exposes /metrics and /healthz backed by a periodic
// database probe.
func startDebugServer(ctx context.Context, addr string, pinger health.HealthPinger, log zerolog.Logger) {
	dbCheck := health.NewDBChecker(pinger, log, 2*time.Second)
	svcCheck := health.NewServiceHealthChecker(log, dbCheck)
	go dbCheck.Start(ctx, 15*time.Second)
	go svcCheck.Start(ctx, 15*time.Second)

	srv := debug.NewServer(addr, svcCheck)
	go func() {
		log.Info().Str("addr", addr).Msg("debug server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("debug server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
