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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mahnwerk/mahnwerk/internal/agents"
	"github.com/mahnwerk/mahnwerk/internal/blob"
	"github.com/mahnwerk/mahnwerk/internal/breaker"
	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/calibration"
	"github.com/mahnwerk/mahnwerk/internal/config"
	"github.com/mahnwerk/mahnwerk/internal/confidence"
	"github.com/mahnwerk/mahnwerk/internal/dualwrite"
	"github.com/mahnwerk/mahnwerk/internal/extract"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/match"
	"github.com/mahnwerk/mahnwerk/internal/metrics"
	"github.com/mahnwerk/mahnwerk/internal/notify"
	"github.com/mahnwerk/mahnwerk/internal/ratelimit"
	"github.com/mahnwerk/mahnwerk/internal/reconcile"
	"github.com/mahnwerk/mahnwerk/internal/review"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/server"
	"github.com/mahnwerk/mahnwerk/internal/storage"
	"github.com/mahnwerk/mahnwerk/internal/telemetry"
	"github.com/mahnwerk/mahnwerk/internal/worker"
	"github.com/mahnwerk/mahnwerk/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// Scheduler intervals. The reconciler pass is hourly; metric rollups are
// cheap enough to recompute on the same cadence.
const (
	reconcileInterval = time.Hour
	rollupInterval    = time.Hour
)

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MAHNWERK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("mahnwerk starting", "version", version, "port", cfg.Port, "environment", cfg.Environment)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to the primary store.
	db, err := storage.New(ctx, cfg.PrimaryStoreURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Daily LLM cost cap. The Redis counter makes the cap hold across
	// replicas; a single instance degrades to in-process counting.
	var counter budget.CostCounter
	if cfg.RedisURL != "" {
		rc, err := budget.NewRedisCounter(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis cost counter unavailable, using in-memory counter", "error", err)
			counter = budget.NewMemoryCounter()
		} else {
			defer func() { _ = rc.Close() }()
			counter = rc
		}
	} else {
		logger.Info("cost counter: in-memory (no MAHNWERK_REDIS_URL)")
		counter = budget.NewMemoryCounter()
	}
	daily := budget.NewDailyBreaker(counter, cfg.DailyCostLimitUSD, logger)

	// Admin notifications. With no SMTP host the mailer logs instead of
	// sending, which is the dev-mode behavior.
	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		AdminTo:  cfg.AdminEmail,
		BaseURL:  cfg.BaseURL,
	}, logger)

	// External-dependency circuit breakers, alerting through the mailer.
	breakers := breaker.NewSet(cfg.BreakerFailMax, cfg.BreakerResetTimeout, logger, mailer)

	llmClient, err := llm.New(llm.Config{
		Provider:      cfg.LLMProvider,
		APIKey:        cfg.AnthropicAPIKey,
		ClassifyModel: cfg.ClassifyModel,
		VisionModel:   cfg.VisionModel,
	}, logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	llmClient = breaker.GuardLLM(breakers.LLM, llmClient)

	// Secondary store (portal MongoDB). Optional: without it debt updates
	// stay in the outbox and messages keep sync_status=failed until the
	// store is configured.
	var sec secondary.Store
	if cfg.SecondaryStoreURL != "" {
		mongo, err := secondary.NewMongo(ctx, cfg.SecondaryStoreURL, cfg.SecondaryDatabase, logger)
		if err != nil {
			return fmt.Errorf("secondary store: %w", err)
		}
		defer func() { _ = mongo.Close(context.Background()) }()
		sec = breaker.GuardSecondary(breakers.Secondary, mongo)
		logger.Info("secondary store: enabled", "database", cfg.SecondaryDatabase)
	} else {
		logger.Info("secondary store: disabled (no MAHNWERK_SECONDARY_STORE_URL)")
	}

	blobStore, err := blob.New(ctx, cfg.BlobRegion, cfg.BlobBucket)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	// The metric recorder doubles as the token/prompt sink for the agents
	// and the vision extractors.
	sink := metrics.NewRecorder(db, logger)

	extractors := extract.New(llmClient, daily, db, sink, cfg.VisionModel, logger)
	agentCfg := agents.DefaultConfig(cfg.ClassifyModel)
	agentCfg.InputCostPerMillion = cfg.InputCostPerMillion
	agentCfg.OutputCostPerMillion = cfg.OutputCostPerMillion
	runner := agents.New(db, llmClient, extractors, blobStore, sec, db, sink, agentCfg, logger)

	thresholds := match.NewThresholdManager(db, logger)
	matchBase := match.CompiledThresholds()
	matchBase.MinMatch = cfg.MatchThresholdMedium
	matchBase.NameOnlyMin = cfg.MatchThresholdHigh
	thresholds.SetBase(matchBase)
	engine := match.NewEngine(db, thresholds, cfg.MatchLookbackDays, logger)

	// The pipeline takes the committer as an interface; leave it nil (not a
	// typed nil) when there is no secondary store so commits are skipped.
	var committer worker.Committer
	var drainer reconcile.Drainer
	if sec != nil {
		writer := dualwrite.NewWriter(db, sec, logger)
		committer = writer
		drainer = writer
	}

	calibrator := calibration.NewRecorder(db, logger)
	reviews := review.New(db, calibrator, logger)

	pipeline := worker.NewPipeline(db, runner, engine, committer, reviews, mailer, sink, worker.PipelineConfig{
		BlobBucket:           cfg.BlobBucket,
		MaxTokensPerJob:      cfg.MaxTokensPerJob,
		InputCostPerMillion:  cfg.InputCostPerMillion,
		OutputCostPerMillion: cfg.OutputCostPerMillion,
		Tiers: confidence.Tiers{
			High: cfg.ConfidenceHighThreshold,
			Low:  cfg.ConfidenceLowThreshold,
		},
	}, logger)

	// Optional wake-up broker. Postgres claim-and-lock is the queue; the
	// broker only shortens idle waits between polls.
	var broker *redis.Client
	if cfg.QueueBrokerURL != "" {
		opts, err := redis.ParseURL(cfg.QueueBrokerURL)
		if err != nil {
			return fmt.Errorf("queue broker: %w", err)
		}
		broker = redis.NewClient(opts)
		defer func() { _ = broker.Close() }()
		logger.Info("queue broker: enabled")
	} else {
		logger.Info("queue broker: poll-only (no MAHNWERK_QUEUE_BROKER_URL)")
	}

	dispatchStore := breaker.GuardDispatch(breakers.Storage, db)
	dispatcher := worker.NewDispatcher(dispatchStore, pipeline, mailer, sink, broker, worker.DispatcherConfig{
		WorkerCount:       cfg.WorkerCount,
		MaxMessageRetries: cfg.MaxMessageRetries,
		DispatchInterval:  cfg.DispatchInterval,
	}, logger)

	reconciler := reconcile.New(db, drainer, sec, logger)
	auditor := reconcile.NewAuditor(db, sec, logger)

	// Provider fetcher for thin portal webhook deliveries.
	var fetcher server.Fetcher
	if cfg.PortalWebhookURL != "" {
		fetcher = server.NewPortalFetcher(cfg.PortalWebhookURL, cfg.APIKey)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("ingress rate limiting: enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.Config{
		Store:         db,
		Reviews:       reviews,
		Waker:         dispatcher,
		Fetcher:       fetcher,
		Auditor:       auditor,
		Logger:        logger,
		APIKey:        cfg.APIKey,
		WebhookSecret: cfg.PortalWebhookSecret,
		RateLimiter:   limiter,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	})

	// Periodic jobs, suppressed in the testing environment.
	if cfg.SchedulerEnabled() {
		go reconciler.RunLoop(ctx, reconcileInterval)
		go metrics.RunRollupLoop(ctx, db, logger, rollupInterval)
	} else {
		logger.Info("scheduler: disabled", "environment", cfg.Environment)
	}

	// Start the dispatcher and the HTTP server.
	errCh := make(chan error, 2)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or component error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones, then wait for workers to finish their claimed
	// messages. The stale-claim sweep re-queues anything cut off here.
	slog.Info("mahnwerk shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	select {
	case <-dispatcherDone:
	case <-time.After(30 * time.Second):
		slog.Warn("dispatcher drain timed out")
	}

	slog.Info("mahnwerk stopped")
	return nil
}
