package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/api"
	"github.com/autoscouter/autoscouter/internal/circuitbreaker"
	"github.com/autoscouter/autoscouter/internal/config"
	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/delivery"
	"github.com/autoscouter/autoscouter/internal/engine"
	"github.com/autoscouter/autoscouter/internal/geo"
	"github.com/autoscouter/autoscouter/internal/match"
	"github.com/autoscouter/autoscouter/internal/metrics"
	"github.com/autoscouter/autoscouter/internal/observ"
	"github.com/autoscouter/autoscouter/internal/realtime"
	"github.com/autoscouter/autoscouter/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting autoscouter server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	listings := db.NewListingRepository(database, logger)
	alerts := db.NewAlertRepository(database, logger)
	notifs := db.NewNotificationRepository(database, logger)
	queue := db.NewQueueRepository(database, logger)
	prefs := db.NewPreferencesRepository(database, logger)

	// Initialize Redis for daily caps, the run lock, and API rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, daily caps and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var capper engine.Capper
	var locker engine.Locker
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		capper = redis.NewDailyCap(redisClient, logger)
		locker = redis.NewRunLock(redisClient, logger)
		if cfg.APIRateLimit > 0 {
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.APIRateLimit,
				Window: time.Duration(cfg.APIRateWindow) * time.Second,
			})
		}
		defer redisClient.Close()
	}

	// Matching engine
	scorer := match.NewScorer(geo.NewStaticGeocoder(geo.DefaultCities()))
	matchEngine := engine.New(listings, alerts, notifs, queue, prefs,
		database, capper, locker, scorer,
		engine.Config{
			Interval:   time.Duration(cfg.MatchIntervalMinutes) * time.Minute,
			BatchLimit: cfg.MatchBatchLimit,
		}, logger)

	// Delivery channel senders. SES is required in production; everything
	// falls back to the log sender when AWS credentials are absent.
	var senders []delivery.Sender

	sesSender, err := delivery.NewSESSender(ctx, delivery.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		BaseURL:   cfg.BaseURL,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email delivery disabled", zap.Error(err))
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(
			sesSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
			logger,
		))
	}

	if cfg.SNSEnabled {
		snsSender, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, push delivery disabled", zap.Error(err))
		} else {
			senders = append(senders, circuitbreaker.NewProtectedSender(
				snsSender,
				circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger),
				logger,
			))
		}
	}

	var sender delivery.Sender
	if len(senders) > 0 {
		sender = delivery.NewMultiSender(logger, senders...)
	} else {
		logger.Warn("no delivery channels configured, logging notifications instead")
		sender = delivery.NewLogSender(logger)
	}

	logger.Info("delivery channels initialized",
		zap.Int("senders", len(senders)),
		zap.Bool("sns_enabled", cfg.SNSEnabled),
	)

	// Realtime hub for websocket push
	hub := realtime.NewHub(logger)

	// Delivery worker
	worker := delivery.New(queue, notifs, prefs, sender, hub, delivery.Config{
		DrainInterval: time.Duration(cfg.DeliveryIntervalSeconds) * time.Second,
		BatchSize:     cfg.DeliveryBatchSize,
		Workers:       cfg.DeliveryWorkers,
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go matchEngine.Start(bgCtx)
	go worker.Start(bgCtx)

	logger.Info("background services started",
		zap.Int("match_interval_minutes", cfg.MatchIntervalMinutes),
		zap.Int("delivery_interval_seconds", cfg.DeliveryIntervalSeconds),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, listings, alerts, notifs, prefs, queue, matchEngine, hub)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))
		r.Mount("/", handler.Routes())
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
