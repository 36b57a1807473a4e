package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/blueprintchat/inference-gateway/config"
	"github.com/blueprintchat/inference-gateway/internal/backend/bedrock"
	"github.com/blueprintchat/inference-gateway/internal/identity"
	"github.com/blueprintchat/inference-gateway/internal/ledger"
	"github.com/blueprintchat/inference-gateway/internal/pricing"
	"github.com/blueprintchat/inference-gateway/internal/proxy"
	"github.com/blueprintchat/inference-gateway/internal/quota"
	"github.com/blueprintchat/inference-gateway/internal/relay"
	"github.com/blueprintchat/inference-gateway/internal/telemetry"
	"github.com/blueprintchat/inference-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("inference-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect Redis when configured (ledger store and/or rate limiter)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 4. Init ledger store
	var store ledger.Store
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		store = ledger.NewPostgresStore(pool, cfg.MonthlyUsageTable, cfg.TransactionsTable)
	case "redis":
		store = ledger.NewRedisStore(rdb)
	default:
		log.Println("Using in-memory ledger store (records are lost on restart)")
		store = ledger.NewMemoryStore()
	}

	// 5. Init ledger writer, pricing, quota
	writer := ledger.NewWriter(store, 256, 3)
	rates := pricing.FromConfig(cfg.ModelRates, cfg.AllowedModels)
	guard := quota.NewGuard(store, cfg.MonthlyLimit)

	// 6. Init credential verifiers
	verifier := &identity.Verifier{
		Session: identity.NewSTSResolver(cfg.Region, cfg.STSEndpoint),
	}
	if cfg.JWKSURL != "" {
		tokenResolver, err := identity.NewTokenResolver(ctx, cfg.JWKSURL, cfg.TokenIssuer, cfg.TokenAudience)
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		verifier.Token = tokenResolver
	}
	authMiddleware := identity.NewMiddleware(verifier)

	// 7. Init backend and relay
	inference := bedrock.New(cfg.Region, cfg.BedrockEndpoint)
	streamRelay := relay.New(inference, rates, cfg.GlobalMaxTokensPerCall)

	// 8. Init rate limiter
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("inference-gateway")
	handler := proxy.NewHandler(streamRelay, inference, guard, rates, writer, store, limiter, tracer)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"inference-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/converse/stream", handler.HandleConverseStream)
		r.Post("/converse", handler.HandleConverse)
		r.Get("/usage", handler.HandleUsage)
		r.Get("/usage/transactions", handler.HandleTransactions)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Inference gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}

	// Drain pending ledger writes before exit.
	writer.Close()
	log.Println("Server stopped")
}
