/**
 * @description
 * This is the main entry point for the transfer-authorization-service. It is responsible for
 * initializing all components of the service, including configuration, the ledger database,
 * the payment API client, message brokers, the optional Redis rate limiter, the PIN session
 * service with its sweeper, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Event rate limiting.
 * - internal/api, internal/app, internal/config, internal/domain, internal/store: Internal packages for the service.
 * - pkg/accountclient, pkg/anchorclient, pkg/rabbitmq: Clients for external systems.
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
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-authorization-service/internal/api"
	"github.com/transfa/transfer-authorization-service/internal/app"
	"github.com/transfa/transfer-authorization-service/internal/config"
	"github.com/transfa/transfer-authorization-service/internal/domain"
	"github.com/transfa/transfer-authorization-service/internal/store"
	"github.com/transfa/transfer-authorization-service/pkg/accountclient"
	"github.com/transfa/transfer-authorization-service/pkg/anchorclient"
	rmrabbit "github.com/transfa/transfer-authorization-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AdapterJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"adapter jwt secret must be configured\" env=ADAPTER_JWT_SECRET")
	}
	if strings.TrimSpace(cfg.AnchorAPIBaseURL) == "" || strings.TrimSpace(cfg.AnchorSourceAccountID) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment api must be configured\" env=ANCHOR_API_BASE_URL,ANCHOR_SOURCE_ACCOUNT_ID")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-authorization-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL ledger.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
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

	// The producer is optional; without it events are dropped with a warning.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			defer rabbitProducer.Close()
			producer = rabbitProducer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	anchorClient := anchorclient.NewClient(cfg.AnchorAPIBaseURL, cfg.AnchorAPIKey, cfg.PaymentAPITimeout())

	ledger := store.NewPostgresLedger(dbpool)
	service := app.NewService(ledger, store.NewMemorySessionStore(), anchorClient, producer)
	service.ConfigureSecurity(cfg.PinMaxAttempts, cfg.PinLockoutSeconds, cfg.PinSessionTTLSeconds)
	service.ConfigureLimits(domain.TransactionLimitPolicy{
		MaxSingleAmount: cfg.MaxSingleTransactionKobo,
		MaxDailyCount:   cfg.MaxDailyTransactions,
		MaxDailyAmount:  cfg.MaxDailyAmountKobo,
	}, cfg.LedgerLocation)
	service.ConfigureTransfers(cfg.AnchorSourceAccountID, cfg.EventsExchange, cfg.PaymentAPITimeout())

	// Funding instructions degrade gracefully when the account service is not configured.
	if strings.TrimSpace(cfg.AccountServiceURL) == "" || cfg.AccountServiceInternalAPIKey == "" {
		log.Printf("level=warn component=bootstrap msg=\"account-service client not configured; funding instructions disabled\" account_service_url_set=%t account_service_internal_key_set=%t",
			strings.TrimSpace(cfg.AccountServiceURL) != "",
			cfg.AccountServiceInternalAPIKey != "",
		)
	} else {
		service.SetFundingAccountResolver(accountclient.NewClient(cfg.AccountServiceURL, cfg.AccountServiceInternalAPIKey))
	}

	if cfg.PinEventRateLimitPerMinute > 0 || cfg.PinSubmitRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; pin event rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; pin event rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; pin event rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					service.SetEventRateLimiter(app.NewRedisEventRateLimiter(redisClient, cfg.RedisRateLimitPrefix), cfg.PinEventRateLimitPerMinute)
					service.SetSubmitRateLimit(cfg.PinSubmitRateLimitPerMinute)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	sweeper := app.NewSessionSweeper(service.Sessions(), cfg.SessionSweepSchedule)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"session sweeper start failed\" err=%v", err)
	}

	// Adapters may also deliver keypad events over the broker.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.PinEventPrefetch)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; broker events disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			pinConsumer := app.NewPinEventConsumer(service, producer, cfg.EventsExchange)
			rabbitConsumer.SetOrderingKey(pinConsumer.OrderingKey)
			bindings := map[string]rmrabbit.Handler{
				rmrabbit.RoutingKeyPinSessionEvent: pinConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PinEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"pin event consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"pin event consumer started\" queue=%s", cfg.PinEventQueue)
		}
	}

	handlers := api.NewPinSessionHandlers(service)
	router := chi.NewRouter()
	router.Mount("/", api.PinSessionRoutes(handlers, cfg.AdapterJWTSecret, cfg.CORSOrigins()))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-sweeper.Stop().Done():
	case <-ctx.Done():
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
