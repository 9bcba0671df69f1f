package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/api"
	"github.com/autoflow/backend/internal/config"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/credentials"
	"github.com/autoflow/backend/internal/database"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/executor"
	"github.com/autoflow/backend/internal/infra"
	"github.com/autoflow/backend/internal/metrics"
	"github.com/autoflow/backend/internal/rollback"
	"github.com/autoflow/backend/internal/users"
	"github.com/autoflow/backend/internal/webhooks"
)

func main() {
	log.Println("Starting autoflow backend...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	m := metrics.New()
	bus := events.NewEventBus()

	// Stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		userStore  users.Store
		connStore  credentials.Store
		recStore   actionlog.Store
		eventStore webhooks.Store
	)
	if cfg.Database.URL != "" {
		db, err := database.Open(cfg.Database.URL)
		if err != nil {
			log.Fatalf("connecting to database: %v", err)
		}
		defer db.Close()
		userStore = users.NewSQLStore(db)
		connStore = credentials.NewSQLStore(db)
		recStore = actionlog.NewSQLStore(db)
		eventStore = webhooks.NewSQLStore(db)
		log.Println("Using Postgres stores")
	} else {
		userStore = users.NewMemoryStore()
		connStore = credentials.NewMemoryStore()
		recStore = actionlog.NewMemoryStore()
		eventStore = webhooks.NewMemoryStore()
		log.Println("DATABASE_URL not set, using in-memory stores")
	}

	var states credentials.StateCache
	if cfg.Redis.Addr != "" {
		redisStates, err := infra.NewRedisStateCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		states = redisStates
	} else {
		states = credentials.NewMemoryStateCache()
		log.Println("REDIS_ADDR not set, using in-memory state cache")
	}

	registry, authParams, webhookSecrets := buildAdapters(cfg)

	tokens := credentials.NewManager(connStore, registry, states, bus, m, credentials.ManagerConfig{
		ExpiryMargin:   cfg.ExpiryMargin(),
		RefreshTimeout: cfg.RefreshTimeout(),
		AuthParams:     authParams,
	})

	exec := executor.New(recStore, tokens, registry, bus, m, executor.Config{
		AdapterTimeout: cfg.AdapterTimeout(),
		RetryBackoff:   cfg.RetryBackoff(),
	})

	rb := rollback.NewEngine(recStore, exec, bus, m)
	um := users.NewManager(userStore, cfg.Auth.SessionSecret)
	intake := webhooks.NewIntake(eventStore, exec, webhookSecrets)

	server := api.NewServer(tokens, exec, rb, recStore, um, bus).WithWebhooks(intake)

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	if err := server.Start(port); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}

// buildAdapters turns provider config into the adapter registry plus
// the per-service authorize params and webhook secrets.
func buildAdapters(cfg *config.Config) (*adapter.Registry, map[core.Service]map[string]string, map[core.Service]string) {
	var adapters []adapter.ServiceAdapter
	authParams := make(map[core.Service]map[string]string)
	secrets := make(map[core.Service]string)

	for name, p := range cfg.Providers {
		service := core.Service(name)
		base := adapter.NewOAuthBase(
			service, p.ClientID, p.ClientSecret,
			p.AuthURL, p.TokenURL, p.RevokeURL, p.Scopes,
		)
		adapters = append(adapters, adapter.NewHTTPAdapter(base, p.InvokeURL))
		if len(p.AuthParams) > 0 {
			authParams[service] = p.AuthParams
		}
		if p.WebhookSecret != "" {
			secrets[service] = p.WebhookSecret
		}
		log.Printf("Registered provider %s", name)
	}
	return adapter.NewRegistry(adapters...), authParams, secrets
}
