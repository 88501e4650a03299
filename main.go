package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/assist/agent"
	"github.com/xiaot623/assist/api"
	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/engine"
	"github.com/xiaot623/assist/llm"
	"github.com/xiaot623/assist/policy"
	"github.com/xiaot623/assist/secrets"
	"github.com/xiaot623/assist/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting assistant service...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Model provider: %s", cfg.Provider)

	ctx := context.Background()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize model client
	keys := secrets.NewClient(cfg)
	llmClient, err := llm.New(ctx, cfg, keys)
	if err != nil {
		log.Fatalf("Failed to initialize model client: %v", err)
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize tool execution engine
	storage, err := engine.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	if storage == nil {
		log.Printf("WARN: no storage bucket configured, storage tools disabled")
	}
	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry)
	eng := engine.New(db, registry, storage)

	if err := engine.SeedCatalog(ctx, db); err != nil {
		log.Fatalf("Failed to seed tool catalog: %v", err)
	}

	// Initialize agent
	ag := agent.New(cfg, db, llmClient, eng, policyEngine)

	// Initialize handlers
	h := api.NewHandler(db, ag, cfg)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down assistant service...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Assistant service stopped")
}
