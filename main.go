package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"

	"dmailbox/config"
	controller "dmailbox/controllers"
	"dmailbox/middleware"
	"dmailbox/resolver"
	"dmailbox/routes"
	"dmailbox/store"
	"dmailbox/worker"
)

func main() {
	logger := log.New(os.Stdout, "DMAILBOX: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// In-memory vault mode runs everything in-process for development:
	// no database, no external vault.
	var (
		s     store.Store
		vault resolver.Client
	)
	if config.AppConfig.Vault.InMemory {
		logger.Println("Running with in-memory vault and store")
		s = store.NewMemoryStore()
		vault = resolver.NewMemoryVault()
	} else {
		if err := config.ConnectDB(); err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		s = store.NewPostgresStore(config.DB)
		vault = resolver.NewHTTPVault(
			config.AppConfig.Vault.URL,
			config.AppConfig.Vault.APIKey,
			time.Duration(config.AppConfig.Vault.TimeoutSec)*time.Second,
		)
	}
	defer s.Close()

	var rdb *redis.Client
	if config.AppConfig.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		defer rdb.Close()
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	hub := controller.NewUpdateHub()
	reconciler := worker.NewReconciler(s, vault, log.New(os.Stdout, "RECONCILE: ", log.LstdFlags), hub, rdb, config.ReconcileInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Start(ctx)

	routes.SetupRoutes(app, routes.Deps{
		Store:     s,
		Vault:     vault,
		Hub:       hub,
		Reconcile: reconciler.ReconcileIdentity,
		OnUnpair:  reconciler.Cancel,
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
