package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leafsii/leafsii-farming/internal/api"
	"github.com/leafsii/leafsii-farming/internal/config"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/initializer"
	"github.com/leafsii/leafsii-farming/internal/jobs"
	"github.com/leafsii/leafsii-farming/internal/log"
	"github.com/leafsii/leafsii-farming/internal/metrics"
	"github.com/leafsii/leafsii-farming/internal/repository"
	"github.com/leafsii/leafsii-farming/internal/store"
	"github.com/leafsii/leafsii-farming/internal/ws"
	"github.com/leafsii/leafsii-farming/pkg/kv"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/leafsii/leafsii-farming/pkg/kv/memory"
	_ "github.com/leafsii/leafsii-farming/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting farming API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"kv_backend", cfg.Cache.Backend,
		"persist", cfg.Database.Persist,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("leafsii-farming")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// The kv store holds ledger balances, the quote cache and pub/sub
	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:         kv.Backend(cfg.Cache.Backend),
		RedisURL:        cfg.Cache.RedisAddr,
		JanitorInterval: cfg.Cache.JanitorInterval,
	})
	if err != nil {
		logger.Fatalw("Failed to setup kv store", "error", err)
	}
	defer kvStore.Close()

	cache := store.NewCache(kvStore, logger, metricsObj)
	events := store.NewEventPublisher(cache, 200)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cache.Ping(ctx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	logger.Infow("Cache connection established", "in_memory", cache.IsInMemoryMode())

	opts := []engine.Option{engine.WithPublisher(events), engine.WithRecorder(metricsObj)}
	readiness := []api.ReadinessCheck{{Name: "kv", Check: cache.Ping}}
	var handlerOpts []api.HandlerOption

	if cfg.Database.Persist {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			logger.Fatalw("Failed to open database", "error", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalw("Database ping failed", "error", err)
		}
		repo := repository.NewRepository(db, logger)
		opts = append(opts, engine.WithStateStore(repo))
		readiness = append(readiness, api.ReadinessCheck{Name: "postgres", Check: repo.Ping})
		handlerOpts = append(handlerOpts, api.WithUserEvents(repo))
		logger.Infow("Database connection established")
	}

	eng := engine.New(host.NewKVLedger(kvStore), host.SystemClock{}, logger, engine.Config{
		MinDuration:   cfg.Engine.MinDuration,
		AllowMint:     cfg.Engine.AllowMint,
		ReleaseWindow: cfg.Engine.ReleaseWindow(),
	}, opts...)
	if err := eng.Restore(ctx); err != nil {
		logger.Fatalw("Failed to restore state", "error", err)
	}

	bootstrap, err := config.LoadBootstrap(cfg.Engine.BootstrapFile)
	if err != nil {
		logger.Fatalw("Failed to load bootstrap", "error", err)
	}
	if _, err := initializer.Initialize(ctx, eng, bootstrap, cfg.Engine.AllowMint, logger); err != nil {
		logger.Fatalw("Failed to apply bootstrap", "error", err)
	}

	quotes := engine.NewQuoteService(eng, cache, cfg.Cache.QuoteTTL, logger)

	// Create context for background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Setup WebSocket hub and SSE handler
	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, logger)
	go wsHub.Run(bgCtx)
	handlerOpts = append(handlerOpts, api.WithLiveUpdates(wsHub, sseHandler), api.WithReadinessChecks(readiness...))

	quotePublisher, err := jobs.NewQuotePublisher(eng, quotes, cache, logger, jobs.QuotePublisherConfig{
		Schedule: cfg.Jobs.QuoteCron,
	})
	if err != nil {
		logger.Fatalw("Failed to setup quote publisher", "error", err)
	}
	quotePublisher.Start(bgCtx)

	var authorizer host.Authorizer = host.SignatureAuthorizer{}
	if cfg.Security.AuthMode == "trust" {
		logger.Warnw("Trusting X-Principal without signatures")
		authorizer = host.TrustAuthorizer{}
	}

	// Setup API handler and middleware
	handler := api.NewHandler(eng, quotes, events, logger, handlerOpts...)
	// Accepted signatures are remembered for twice the window so a timestamp
	// at either edge cannot be reused.
	replay := store.NewReplayGuard(cache, 2*cfg.Security.SignatureWindow)
	middleware := api.NewMiddleware(logger, metricsObj, authorizer,
		api.WithReplayProtection(replay, cfg.Security.SignatureWindow))
	router := handler.Routes(middleware, api.RouteConfig{
		CORSOrigins:    cfg.Security.CORSAllowedOrigins,
		RateLimitRPM:   cfg.Security.RateLimitRPM,
		RequestTimeout: cfg.Security.RequestTimeout,
		MetricsHandler: metricsHandler,
	})

	// Log configured CORS origins for easier debugging in dev
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// WriteTimeout stays unset; SSE and WebSocket responses are long-lived
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("Server startup failed", "error", err)
		}
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}
		bgCancel()
		quotePublisher.Stop()

		logger.Infow("Server stopped")
	}
}
