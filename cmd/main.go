/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, the ledger store,
 * the payment gateway client, the event broker, the rate limiter, the core engine, the
 * scheduled jobs and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/joho/godotenv: Loads a local .env file for development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file loaded; using environment\"")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal status webhook will refuse all requests\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Initialize the ledger store.
	var repository store.Repository
	switch cfg.StoreDriver {
	case "memory":
		memRepo := store.NewMemoryRepository()
		memRepo.SetAllowOverdraft(cfg.AllowOverdraft)
		repository = memRepo
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
	default:
		dbpool := connectPostgres(rootCtx, cfg.DatabaseURL)
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool)
		pgRepo.SetAllowOverdraft(cfg.AllowOverdraft)
		if cfg.AutoMigrate {
			migrateCtx, cancelMigrate := context.WithTimeout(rootCtx, 30*time.Second)
			if err := pgRepo.Migrate(migrateCtx); err != nil {
				cancelMigrate()
				log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
			}
			cancelMigrate()
			log.Println("level=info component=bootstrap msg=\"schema migrated\"")
		}
		repository = pgRepo
	}

	// Rate limiting uses redis when configured and falls back to a per-process limiter.
	var rateLimiter app.RateLimiter = app.NewMemoryRateLimiter()
	var redisCheck func(ctx context.Context) error
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process rate limiting\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			defer redisClient.Close()
			pingCtx, cancelPing := context.WithTimeout(rootCtx, 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; limiter will fail open until it recovers\" err=%v", pingErr)
			} else {
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelPing()
			redisLimiter := app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
			rateLimiter = redisLimiter
			redisCheck = redisLimiter.Ping
		}
	}

	// The engine treats a nil gateway as "not configured".
	var gateway app.GatewayClient
	var gatewayCheck func(ctx context.Context) error
	if cfg.GatewayServerKey != "" {
		gatewayClient := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewaySnapURL, cfg.GatewayServerKey)
		gateway = gatewayClient
		gatewayCheck = gatewayClient.Ping
	} else {
		log.Println("level=warn component=bootstrap msg=\"gateway server key not configured; gateway topups cannot open charges and webhooks will not verify\" env=GATEWAY_SERVER_KEY")
	}

	engine := app.NewEngine(repository, app.EngineConfig{
		MinAmount:            cfg.MinTransactionAmount,
		MaxAmount:            cfg.MaxTransactionAmount,
		AutoApproveThreshold: cfg.AutoApproveThreshold,
		FeeBPS:               cfg.TransactionFeeBPS,
		DefaultCurrency:      cfg.DefaultCurrency,
		MaintenanceMode:      cfg.MaintenanceMode,
		PendingExpiry:        time.Duration(cfg.PendingExpiryMinutes) * time.Minute,
	}, gateway)
	authService := app.NewAuthService(repository, cfg.JWTSecret, time.Duration(cfg.TokenTTLMinutes)*time.Minute, cfg.DefaultCurrency)
	adapter := app.NewGatewayAdapter(repository, engine, cfg.GatewayServerKey)

	// Events leave through the outbox; relayed gateway statuses arrive on the status queue.
	var brokerCheck func(ctx context.Context) error
	if cfg.RabbitMQURL != "" {
		dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL, cfg.EventExchange)
		go dispatcher.Run(rootCtx)

		rabbitConsumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relayed gateway statuses disabled\" err=%v", consumerErr)
			brokerCheck = func(context.Context) error { return consumerErr }
		} else {
			defer rabbitConsumer.Close()
			statusConsumer := app.NewGatewayStatusConsumer(engine)
			bindings := map[string]func([]byte) bool{
				"gateway.status": statusConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.GatewayStatusQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"gateway status consumer start failed\" err=%v", err)
			}
			brokerCheck = func(context.Context) error {
				if !rabbitConsumer.Healthy() {
					return errors.New("rabbitmq connection closed")
				}
				return nil
			}
			log.Printf("level=info component=bootstrap msg=\"rabbitmq connected\" exchange=%s queue=%s", cfg.EventExchange, cfg.GatewayStatusQueue)
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url not configured; events stay in the outbox\" env=RABBITMQ_URL")
	}

	// Scheduled jobs log through slog, as the cron library expects.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(engine, authService, logger, time.Duration(cfg.ReconcileAfterMinutes)*time.Minute)
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		ExpirySchedule:       cfg.ExpiryJobSchedule,
		ReconcileSchedule:    cfg.ReconcileJobSchedule,
		TokenCleanupSchedule: cfg.TokenCleanupSchedule,
	})
	scheduler.Start()

	// Initialize the API handlers.
	handlers := api.NewHandlers(engine, authService, adapter,
		api.HealthCheck{Name: "store", Critical: true, Check: repository.Ping},
		api.HealthCheck{Name: "broker", Check: brokerCheck},
		api.HealthCheck{Name: "rate_limiter", Check: redisCheck},
		api.HealthCheck{Name: "payment_gateway", Check: gatewayCheck},
	)
	router := api.NewRouter(handlers, api.RouterOptions{
		AllowedOrigins:     cfg.AllowedOrigins(),
		InternalAPIKey:     cfg.InternalAPIKey,
		RateLimiter:        rateLimiter,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Verifier:           authService,
	})

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	cancelRoot()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectPostgres establishes the connection pool, retrying while the database starts.
func connectPostgres(ctx context.Context, databaseURL string) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with connection poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	var dbpool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		dbpool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			err = dbpool.Ping(pingCtx)
			cancelPing()
			if err == nil {
				log.Println("level=info component=bootstrap msg=\"database connected\"")
				return dbpool
			}
			dbpool.Close()
		}
		log.Printf("level=warn component=bootstrap msg=\"database not ready\" attempt=%d err=%v", attempt, err)
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	return nil
}
