package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nakamura-shuta/promptrelay/internal/auth"
	"github.com/nakamura-shuta/promptrelay/internal/config"
	"github.com/nakamura-shuta/promptrelay/internal/fetcher"
	"github.com/nakamura-shuta/promptrelay/internal/llm"
	"github.com/nakamura-shuta/promptrelay/internal/relay"
	"github.com/nakamura-shuta/promptrelay/internal/server"
	"github.com/nakamura-shuta/promptrelay/internal/store"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting prompt relay",
		"http_port", cfg.HTTPPort,
		"model", cfg.LLMModel,
		"environment", cfg.Environment,
	)

	// Initialize the conversation record store
	var recordStore store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()
		recordStore = pg
		slog.Info("using Postgres conversation store")
	} else {
		fs, err := store.NewFileStore(cfg.ConversationLogDir)
		if err != nil {
			return fmt.Errorf("failed to open log directory: %w", err)
		}
		recordStore = fs
		slog.Info("using file conversation store", "dir", cfg.ConversationLogDir)
	}

	// Initialize the LLM client
	llmClient := llm.NewOpenAIClient(cfg.LLMAPIKey,
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithModel(cfg.LLMModel),
		llm.WithHTTPClient(newHTTPClient(cfg.LLMRequestTimeout)),
	)
	slog.Info("initialized LLM client", "base_url", cfg.LLMBaseURL, "model", cfg.LLMModel)

	// Initialize the relay core
	relayOpts := []relay.Option{}
	if cfg.FetchReferenceContent {
		f := fetcher.New(fetcher.Config{
			Headless: cfg.FetchHeadless,
			Timeout:  cfg.FetchTimeout,
		}, slog.Default())
		relayOpts = append(relayOpts, relay.WithResolver(f))
		slog.Info("reference content fetching enabled", "headless", cfg.FetchHeadless)
	}
	relaySvc := relay.New(relay.Config{
		Model:              cfg.LLMModel,
		CredentialsPresent: cfg.LLMAPIKey != "",
	}, llmClient, recordStore, slog.Default(), relayOpts...)

	if cfg.LLMAPIKey == "" {
		slog.Warn("LLM_API_KEY not set; submit requests will fail until configured")
	}

	// Optional inbound auth
	var (
		jwtManager   *auth.JWTManager
		middlewareFn func(http.Handler) http.Handler
	)
	if cfg.AuthEnabled() {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		jwtManager = auth.NewJWTManager(jwtCfg)
		middlewareFn = auth.Middleware(jwtManager)
		slog.Info("inbound authentication enabled")
	}

	handlers := server.NewHandler(relaySvc, slog.Default(), cfg.APIKey, jwtManager, cfg.JWTExpiry)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
	}, handlers, middlewareFn)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// newHTTPClient builds the client used for non-streaming LLM calls. Streaming
// calls ignore it; their lifetime is governed by the request context.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
