package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/api"
	"github.com/Noetic-Labs/meridian/core/pkg/archive"
	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/config"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/kernel"
	"github.com/Noetic-Labs/meridian/core/pkg/observability"
	"github.com/Noetic-Labs/meridian/core/pkg/pipeline"
	"github.com/Noetic-Labs/meridian/core/pkg/store"
)

func runServer() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	var metrics *observability.KernelMetrics
	var provider *observability.Provider
	if cfg.TelemetryEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			return 1
		}
		provider = p
		m, err := observability.NewKernelMetrics(p.Meter())
		if err != nil {
			logger.Error("metrics init failed", "error", err)
			return 1
		}
		metrics = m
		logger.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("data dir create failed", "dir", cfg.DataDir, "error", err)
		return 1
	}
	if dir := filepath.Dir(cfg.RunStorePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("run store dir create failed", "dir", dir, "error", err)
			return 1
		}
	}

	// Dead-letter archive: content-addressed blobs plus a durable index.
	blobs, err := archive.Open(ctx, archive.Config{
		Backend:    archive.Backend(cfg.ArchiveBackend),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		GCSBucket:  cfg.GCSBucket,
	})
	if err != nil {
		logger.Error("archive init failed", "error", err)
		return 1
	}

	dlDB, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "deadletters.db"))
	if err != nil {
		logger.Error("dead-letter database open failed", "error", err)
		return 1
	}
	defer func() { _ = dlDB.Close() }()
	dlSink, err := store.NewSQLiteDeadLetterSink(dlDB)
	if err != nil {
		logger.Error("dead-letter sink init failed", "error", err)
		return 1
	}
	sink := archive.NewArchivingSink(blobs, dlSink, logger)

	// Bus
	busOpts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithDeadLetterSink(sink),
	}
	if metrics != nil {
		busOpts = append(busOpts, eventbus.WithObserver(metrics))
	}
	bus := eventbus.New(eventbus.Config{
		QueueCapacity: cfg.QueueCapacity,
		Workers:       cfg.Workers,
	}, busOpts...)
	bus.Start()
	defer bus.Close()

	if metrics != nil {
		if err := metrics.Attach(bus); err != nil {
			logger.Error("metrics attach failed", "error", err)
			return 1
		}
	}
	slos := observability.NewSLOTracker()
	if err := slos.Attach(bus); err != nil {
		logger.Error("slo attach failed", "error", err)
		return 1
	}

	// Pipeline profile
	phases, err := config.ResolvePhases(cfg)
	if err != nil {
		logger.Error("profile resolution failed", "profile", cfg.ProfileName, "error", err)
		return 1
	}

	// Admission limiter: Redis when shared, in-process otherwise.
	var limiter kernel.LimiterStore
	if cfg.RedisAddr != "" {
		rls := kernel.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = rls.Close() }()
		limiter = rls
		logger.Info("shared admission limiter", "redis", cfg.RedisAddr)
	} else {
		limiter = kernel.NewLocalLimiterStore()
	}

	// Postgres backs the audit chain, tenant quotas, and durable
	// idempotency when configured.
	var auditDB *sql.DB
	if cfg.AuditDatabaseURL != "" {
		auditDB, err = sql.Open("postgres", cfg.AuditDatabaseURL)
		if err != nil {
			logger.Error("audit database open failed", "error", err)
			return 1
		}
		defer func() { _ = auditDB.Close() }()
	}

	var quotaStore budget.QuotaStore = budget.NewMemoryQuotaStore()
	if auditDB != nil {
		quotaStore = budget.NewPostgresQuotaStore(auditDB)
	}

	kernelOpts := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithSLOTracker(slos),
	}
	if metrics != nil {
		kernelOpts = append(kernelOpts, kernel.WithMetrics(metrics))
	}
	k, err := kernel.New(kernel.Config{
		Bus:      bus,
		Pipeline: pipeline.Config{Phases: phases},
		Backpressure: kernel.BackpressurePolicy{
			RunsPerMinute: cfg.RunsPerMinute,
			Burst:         cfg.Burst,
		},
		Limiter: limiter,
		Quota:   budget.NewEnforcer(quotaStore),
	}, kernelOpts...)
	if err != nil {
		logger.Error("kernel init failed", "error", err)
		return 1
	}
	defer k.Close()

	// Persistence: run archive always, audit chain when Postgres is set.
	runs, err := store.OpenSQLiteRunStore(cfg.RunStorePath)
	if err != nil {
		logger.Error("run store open failed", "path", cfg.RunStorePath, "error", err)
		return 1
	}
	defer func() { _ = runs.Close() }()

	recorderOpts := []store.RecorderOption{
		store.WithRunStore(runs),
		store.WithRecorderLogger(logger),
	}
	if auditDB != nil {
		recorderOpts = append(recorderOpts, store.WithAuditWriter(store.NewPostgresAuditWriter(auditDB)))
		logger.Info("audit chain enabled")
	}
	if err := store.NewRecorder(recorderOpts...).Attach(bus); err != nil {
		logger.Error("recorder attach failed", "error", err)
		return 1
	}

	timeline := observability.NewRunTimeline(0)
	if err := timeline.Attach(bus); err != nil {
		logger.Error("timeline attach failed", "error", err)
		return 1
	}

	// HTTP surface. Submissions authenticate with bearer tokens when a
	// secret is configured, or resolve actors through the directory file;
	// without either the request body is the attribute source.
	apiOpts := []api.ServerOption{
		api.WithRunStore(runs),
		api.WithTimeline(timeline),
		api.WithServerLogger(logger),
	}
	switch {
	case cfg.IdentitySecret != "":
		keyring, err := identity.NewKeyring([]byte(cfg.IdentitySecret), []byte(cfg.IdentitySalt))
		if err != nil {
			logger.Error("keyring init failed", "error", err)
			return 1
		}
		apiOpts = append(apiOpts, api.WithTokenVerifier(identity.NewTokenManager(keyring, "")))
		logger.Info("bearer-token authentication enabled")
	case cfg.ActorsFile != "":
		actors, err := config.LoadActors(cfg.ActorsFile)
		if err != nil {
			logger.Error("actors file load failed", "path", cfg.ActorsFile, "error", err)
			return 1
		}
		directory := identity.NewCachedDirectory(identity.NewStaticDirectory(actors...), 0, 0)
		apiOpts = append(apiOpts, api.WithDirectory(directory))
		logger.Info("actor directory enabled", "actors", len(actors))
	default:
		logger.Warn("no identity source configured; submissions assert their own attributes")
	}
	srv := api.NewServer(k, apiOpts...)

	var idem api.IdempotencyStorer
	if auditDB != nil {
		idem = api.NewPostgresIdempotencyStore(auditDB, 24*time.Hour)
	} else {
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}

	handler := api.NewGlobalRateLimiter(100, 200).Middleware(
		api.IdempotencyMiddleware(idem)(srv.Handler()),
	)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin surface listening", "addr", httpSrv.Addr, "profile", cfg.ProfileName)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	if provider != nil {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown incomplete", "error", err)
		}
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// runBootstrapCmd initializes the Postgres schema used by the audit chain
// and the durable idempotency store. SQLite stores migrate themselves on
// open and need no bootstrap.
func runBootstrapCmd(args []string, stdout, stderr io.Writer) int {
	dbURL := os.Getenv("AUDIT_DATABASE_URL")
	if len(args) > 0 {
		dbURL = args[0]
	}
	if dbURL == "" {
		fmt.Fprintln(stderr, "Usage: meridian bootstrap <postgres-url> (or set AUDIT_DATABASE_URL)")
		return 2
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schemas := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			entry_id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL UNIQUE,
			timestamp TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			payload BYTEA NOT NULL,
			payload_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fuel_quotas (
			tenant_id TEXT PRIMARY KEY,
			allowance BIGINT NOT NULL DEFAULT 0,
			used BIGINT NOT NULL DEFAULT 0,
			window_start TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status_code INT NOT NULL,
			headers BYTEA,
			body BYTEA,
			cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, q := range schemas {
		if _, err := db.ExecContext(ctx, q); err != nil {
			fmt.Fprintf(stderr, "Schema init failed: %v\n", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, "Schema initialized.")
	return 0
}
