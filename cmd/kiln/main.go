// Package main is the entry point for the Kiln task orchestration engine.
// One binary runs the full stack: HTTP admission API, executor workers,
// WebSocket streaming, and the embedded MCP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/admission"
	"github.com/kiln-dev/kiln/internal/branchname"
	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/httpmw"
	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/db"
	"github.com/kiln-dev/kiln/internal/events/bus"
	"github.com/kiln-dev/kiln/internal/logsink"
	"github.com/kiln-dev/kiln/internal/mcpserver"
	"github.com/kiln-dev/kiln/internal/orchestrator"
	"github.com/kiln-dev/kiln/internal/orchestrator/executor"
	"github.com/kiln-dev/kiln/internal/orchestrator/streaming"
	"github.com/kiln-dev/kiln/internal/ratelimit"
	"github.com/kiln-dev/kiln/internal/sandbox"
	"github.com/kiln-dev/kiln/internal/sandbox/daytona"
	dockersandbox "github.com/kiln-dev/kiln/internal/sandbox/docker"
	"github.com/kiln-dev/kiln/internal/sandbox/e2b"
	"github.com/kiln-dev/kiln/internal/sandbox/vercel"
	"github.com/kiln-dev/kiln/internal/secrets"
	"github.com/kiln-dev/kiln/internal/task/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Kiln...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Database: sqlite gets a writer plus a read-only pool, postgres shares
	// one pool for both roles.
	kilnDir := resolveKilnDir()
	var pool *db.Pool
	switch cfg.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.User, cfg.Database.Password,
			cfg.Database.Host, cfg.Database.Port,
			cfg.Database.DBName, cfg.Database.SSLMode)
		pg, err := db.OpenPostgres(dsn, cfg.Database.MaxConns)
		if err != nil {
			log.Fatal("Failed to open postgres database", zap.Error(err))
		}
		pgx := sqlx.NewDb(pg, "pgx")
		pool = db.NewPool(pgx, pgx)
	default:
		path := expandHome(cfg.Database.Path)
		writer, err := db.OpenSQLite(path)
		if err != nil {
			log.Fatal("Failed to open sqlite database", zap.Error(err), zap.String("path", path))
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			log.Fatal("Failed to open sqlite reader", zap.Error(err))
		}
		pool = db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		log.Info("SQLite database initialized", zap.String("path", path))
	}

	taskStore, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	defer func() { _ = taskStore.Close() }()

	// Secrets: master key on disk, encrypted values in the database.
	cipher, err := secrets.NewCipher(kilnDir)
	if err != nil {
		log.Fatal("Failed to initialize cipher", zap.Error(err))
	}
	keyStore, err := secrets.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize key store", zap.Error(err))
	}
	secretsSvc := secrets.NewService(keyStore, cipher, log)
	bootstrapToken(ctx, secretsSvc, log)

	sink := logsink.New(taskStore, eventBus, log)

	// Sandbox providers. Docker is optional at runtime; cloud providers are
	// registered only when a token is configured.
	var providers []sandbox.Provider
	dockerProvider, err := dockersandbox.New(cfg.Docker, log)
	if err != nil {
		log.Warn("Docker unavailable, local sandbox provider disabled", zap.Error(err))
	} else {
		defer func() { _ = dockerProvider.Close() }()
		providers = append(providers, dockerProvider)
	}
	if cfg.Sandbox.Vercel.APIToken != "" {
		providers = append(providers, vercel.New(cfg.Sandbox.Vercel, log))
	}
	if cfg.Sandbox.E2B.APIToken != "" {
		providers = append(providers, e2b.New(cfg.Sandbox.E2B, log))
	}
	if cfg.Sandbox.Daytona.APIToken != "" {
		providers = append(providers, daytona.New(cfg.Sandbox.Daytona, log))
	}
	if len(providers) == 0 {
		log.Fatal("No sandbox providers configured")
	}
	registry := sandbox.NewRegistry(providers...)

	sweeper := sandbox.NewSweeper(registry, taskStore, cfg.Sandbox.SweepInterval(), cfg.Sandbox.MaxDuration(), log)
	sweeper.Start()
	defer sweeper.Stop()

	// Branch name synthesis is optional; the executor falls back to
	// timestamp names when it is off.
	var synth admission.Synthesizer
	if s := branchname.New(cfg.BranchName, taskStore, log); s != nil {
		synth = s
		log.Info("Branch name synthesis enabled", zap.String("model", cfg.BranchName.Model))
	}

	exec := executor.New(taskStore, secretsSvc, registry, sink, eventBus, cfg.Sandbox, cfg.Git, cfg.MCP, log)
	orchestratorSvc := orchestrator.New(eventBus, exec, cfg.Orchestra, log)
	if err := orchestratorSvc.Start(); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	limiter := ratelimit.New(taskStore, cfg.RateLimit, log)
	admissionSvc := admission.New(taskStore, limiter, eventBus, synth, registry, sink, log)

	// Streaming hub mirrors log and status events to WebSocket clients.
	hub := streaming.NewHub(log)
	if err := hub.Start(eventBus); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}
	go hub.Run(ctx)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "kiln"))

	admission.RegisterRoutes(router, admissionSvc, secretsSvc, log)
	admission.RegisterStreamRoutes(router, streaming.NewWSHandler(hub, admissionSvc, log), secretsSvc)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kiln"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Embedded MCP server for in-sandbox agents.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, taskStore, sink, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Kiln...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	orchestratorSvc.Stop()

	log.Info("Kiln stopped")
}

// bootstrapToken issues the first API token when the database has none for
// the configured admin. The plaintext is printed once and never stored.
func bootstrapToken(ctx context.Context, svc *secrets.Service, log *logger.Logger) {
	email := os.Getenv("KILN_ADMIN_EMAIL")
	if email == "" {
		return
	}
	existing, err := svc.ListTokens(ctx, "admin")
	if err != nil || len(existing) > 0 {
		return
	}
	plaintext, _, err := svc.IssueToken(ctx, "admin", email, "bootstrap")
	if err != nil {
		log.Error("Failed to issue bootstrap token", zap.Error(err))
		return
	}
	fmt.Printf("Bootstrap API token (shown once): %s\n", plaintext)
}

// resolveKilnDir returns the directory for local state (master key).
func resolveKilnDir() string {
	if dir := os.Getenv("KILN_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return filepath.Join(home, ".kiln")
}

// expandHome resolves a leading ~/ in config paths.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
