/**
 * @description
 * This is the main entry point for the stream-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the directory client, message broker, repositories, the core
 * application service, the health sweeper, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Redis client backing the idempotency guard.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/directory, pkg/metrics, pkg/rabbitmq: Directory client, Prometheus collector, event producer.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fluxa/stream-service/internal/api"
	"github.com/fluxa/stream-service/internal/app"
	"github.com/fluxa/stream-service/internal/config"
	"github.com/fluxa/stream-service/internal/store"
	"github.com/fluxa/stream-service/pkg/directory"
	"github.com/fluxa/stream-service/pkg/metrics"
	rmq "github.com/fluxa/stream-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ServiceJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"service jwt secret must be configured\" env=SERVICE_JWT_SECRET")
	}
	if strings.TrimSpace(cfg.DirectoryAPIBaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"directory base url must be configured\" env=DIRECTORY_API_BASE_URL")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; /internal routes are unguarded\"")
	}

	log.Printf("level=info component=bootstrap msg=\"starting stream-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	// Initialize the data access layer. The memory driver keeps everything
	// in-process and non-durable, for local development and integration tests.
	var repository store.Repository
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; streams will not survive a restart\"")
		repository = store.NewMemoryRepository()
	} else {
		// Establish a connection pool to the PostgreSQL database.
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}

		// Align pool sizing with the rest of the fleet.
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		repository = store.NewPostgresRepository(dbpool)
	}

	// Initialize the RabbitMQ producer to publish stream events. A broker outage
	// must not block money movement, so publish failures degrade to the fallback.
	var producer rmq.Publisher
	eventProducer, err := rmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		producer = eventProducer
	}

	// Initialize the client for the directory service. Every authorization
	// decision resolves agent and account tiers through it.
	directoryClient := directory.NewClient(cfg.DirectoryAPIBaseURL, cfg.DirectoryAPIKey)

	// Initialize the core application service with its dependencies.
	streamService := app.NewService(repository, directoryClient, producer, nil, cfg.StreamEventExchange)

	// Attach the Redis-backed idempotency guard when Redis is reachable. Without
	// it, retried commands are re-applied rather than rejected as duplicates.
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; idempotency guard disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; idempotency guard disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; idempotency guard disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
				ttl := time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute
				streamService.SetIdempotencyGuard(app.NewIdempotencyGuard(redisClient, cfg.RedisIdempotencyPrefix, ttl))
			}
		}
	}

	// Attach the Prometheus collector.
	collector := metrics.NewCollector()
	streamService.SetMetricsCollector(collector)

	// Start the scheduled health sweeper that reclassifies runway health and
	// emits stream.health.changed events on transitions.
	sweeper := app.NewHealthSweeper(streamService, cfg.HealthSweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"health sweeper start failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"health sweeper started\" schedule=%q", cfg.HealthSweepSchedule)

	// Initialize the API handlers and router.
	streamHandlers := api.NewStreamHandlers(streamService, cfg.DefaultCurrency)
	router := api.StreamRoutes(streamHandlers, cfg.ServiceJWTSecret, cfg.InternalAPIKey, collector.GetHandler())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Let an in-flight sweep finish before closing the connections it uses.
	<-sweeper.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
