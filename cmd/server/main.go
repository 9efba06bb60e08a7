package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/superlion8/brand-camera-sub004/internal/api"
	"github.com/superlion8/brand-camera-sub004/internal/config"
	"github.com/superlion8/brand-camera-sub004/internal/database"
	"github.com/superlion8/brand-camera-sub004/internal/gemini"
	"github.com/superlion8/brand-camera-sub004/internal/kie"
	"github.com/superlion8/brand-camera-sub004/internal/notify"
	"github.com/superlion8/brand-camera-sub004/internal/ratelimit"
	"github.com/superlion8/brand-camera-sub004/internal/repository"
	"github.com/superlion8/brand-camera-sub004/internal/service"
	"github.com/superlion8/brand-camera-sub004/internal/storage"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
	"github.com/superlion8/brand-camera-sub004/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.Debug)

	db, err := database.Connect(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	creditRepo := repository.NewCreditRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	billingRepo := repository.NewBillingEventRepository(db)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:         cfg.S3Endpoint,
		Region:           cfg.S3Region,
		AccessKey:        cfg.S3AccessKey,
		SecretKey:        cfg.S3SecretKey,
		Bucket:           cfg.S3Bucket,
		PublicBaseURL:    cfg.S3PublicBaseURL,
		UsePathStyle:     cfg.S3UsePathStyle,
		ReferencePrefix:  cfg.S3Prefix,
		GenerationPrefix: cfg.S3GenerationPrefix,
		PublicRead:       cfg.S3PublicRead,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	backend, closeBackend, err := newBackend(ctx, cfg, uploader, logr)
	if err != nil {
		log.Fatalf("synthesis backend: %v", err)
	}
	defer closeBackend()

	guarded := synthesis.NewBreakerBackend(backend, cfg.SynthesisBackend, synthesis.BreakerSettings{
		MinRequests:  uint32(max(cfg.BreakerMinRequests, 1)),
		FailureRatio: cfg.BreakerFailureRatio,
		Interval:     time.Minute,
		OpenTimeout:  cfg.BreakerOpenTimeout,
		HalfOpenMax:  2,
	}, logr)

	orchestrator := synthesis.NewOrchestrator(guarded, synthesis.Config{
		PrimaryRetries:    cfg.PrimaryRetryLimit,
		RetryBackoff:      cfg.RetryBackoff,
		CallTimeout:       cfg.CallTimeout,
		BatchSize:         cfg.BatchSize,
		BatchDelay:        cfg.BatchDelay,
		RequestsPerSecond: cfg.BackendRPS,
	}, logr)

	notifier := notify.Multi{notify.NewLogNotifier(logr)}
	if cfg.TelegramBotToken != "" {
		bot, err := notify.NewTelegramBot(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		notifier = append(notifier, notify.NewTelegramNotifier(bot, cfg.TelegramOpsChatID))
	}

	mode := service.BillingMode(cfg.BillingMode)
	creditService := service.NewCreditService(creditRepo, logr, cfg.SignupCredits, cfg.DailyRewardCredits)
	gate := service.NewQuotaGate(creditService)
	aggregator := service.NewAggregator(uploader, generationRepo, creditService, notifier, mode, cfg.PersistTimeout, logr)

	attempts := service.NewAttemptWriter(generationRepo, cfg.AttemptQueueSize, logr)
	go func() {
		for err := range attempts.Errors() {
			logr.Error("synthesis attempt audit failed", "err", err)
		}
	}()
	defer attempts.Close()

	generationService := service.NewGenerationService(service.GenerationConfig{
		Mode:            mode,
		MaxImages:       cfg.MaxImagesPerRequest,
		GenerateTimeout: cfg.GenerateTimeout,
	}, logr, gate, creditService, orchestrator, aggregator, attempts, generationRepo)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logr.Warn("redis unreachable at startup, rate limiter will fail open", "err", err)
		}
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.GenerateRatePerMinute, time.Minute)
	}

	drain := cfg.GenerateTimeout + cfg.PersistTimeout + 30*time.Second
	server := api.NewServer(api.Config{
		Addr:            cfg.HTTPAddr,
		AdminUsername:   cfg.AdminUsername,
		AdminPassword:   cfg.AdminPassword,
		WebhookSecret:   cfg.WebhookSecret,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		WriteTimeout:    drain,
		ShutdownTimeout: drain,
	}, logr, generationService, creditService, billingRepo, limiter)

	logr.Info("service starting",
		"backend", cfg.SynthesisBackend,
		"billing_mode", mode,
		"primary_retries", cfg.PrimaryRetryLimit,
		"batch_size", cfg.BatchSize,
	)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("http server stopped", "err", err)
	}
}

func newBackend(ctx context.Context, cfg config.Config, uploader *storage.Uploader, logr *slog.Logger) (synthesis.Backend, func(), error) {
	switch cfg.SynthesisBackend {
	case config.BackendKIE:
		client := kie.NewClient(kie.Config{
			APIKey:         cfg.KIEAPIKey,
			BaseURL:        cfg.KIEBaseURL,
			PrimaryModel:   cfg.KIEPrimaryModel,
			FallbackModel:  cfg.KIEFallbackModel,
			AspectRatio:    cfg.KIEAspectRatio,
			Resolution:     cfg.KIEResolution,
			RequestTimeout: cfg.RequestTimeout,
			PollInterval:   cfg.KIEPollInterval,
			MaxPolls:       cfg.KIEMaxPolls,
		}, uploader, logr)
		return client, func() {}, nil
	default:
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:        cfg.GeminiAPIKey,
			PrimaryModel:  cfg.GeminiPrimaryModel,
			FallbackModel: cfg.GeminiFallbackModel,
		}, logr)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {
			if err := client.Close(); err != nil {
				logr.Warn("close gemini client", "err", err)
			}
		}, nil
	}
}
