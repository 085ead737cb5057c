package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"sitepulse/api/buffer"
	"sitepulse/api/database"
	"sitepulse/api/filters"
	"sitepulse/api/geo"
	"sitepulse/api/handlers"
	"sitepulse/api/middleware"
	"sitepulse/api/pipeline"
	"sitepulse/api/store"
	"sitepulse/api/wsconfig"
)

func main() {
	// Load .env before anything reads the environment. Running without one
	// is normal in deployment.
	_ = godotenv.Load()

	logger := newLogger()

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Workspace directory (PostgreSQL) ---
	dbClient, err := database.NewPostgresDB(logger.With().Str("component", "postgres").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize PostgreSQL database")
	}
	defer dbClient.Close()

	// --- Durable event store (ClickHouse) ---
	chClient, err := database.NewClickHouseDB(logger.With().Str("component", "clickhouse").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ClickHouse database")
	}
	defer chClient.Close()

	// --- Stores ---
	workspaceStore := store.NewWorkspaceStore(dbClient.DB)
	analyticsStore := store.NewAnalyticsStore(chClient, logger.With().Str("component", "analytics_store").Logger())

	// --- Pipeline components ---
	configCache := wsconfig.NewCache(workspaceStore, envDuration("CONFIG_CACHE_TTL", wsconfig.DefaultTTL))

	geoResolver := geo.NewResolver(
		os.Getenv("GEOIP_DB_PATH"),
		envDuration("GEO_CACHE_TTL", geo.DefaultCacheTTL),
		envInt("GEO_CACHE_SIZE", geo.DefaultCacheSize),
		logger.With().Str("component", "geo").Logger(),
	)
	defer geoResolver.Close()

	filterEngine := filters.NewEngine(logger.With().Str("component", "filters").Logger())

	buf := buffer.New(
		analyticsStore,
		envInt("BUFFER_MAX_SIZE", buffer.DefaultMaxSize),
		envDuration("BUFFER_FLUSH_INTERVAL", buffer.DefaultFlushInterval),
		logger.With().Str("component", "buffer").Logger(),
	)

	reconciler := pipeline.NewReconciler(configCache, geoResolver, filterEngine, buf,
		logger.With().Str("component", "pipeline").Logger())

	// --- Handlers ---
	trackHandlers := handlers.NewTrackHandlers(reconciler, logger.With().Str("component", "track").Logger())
	adminHandlers := handlers.NewAdminHandlers(geoResolver, configCache, buf,
		logger.With().Str("component", "admin").Logger())

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware())

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.POST("/track", trackHandlers.TrackEvents)
		api.POST("/session", trackHandlers.TrackSession)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminRequired())
	{
		admin.POST("/geo/reload", adminHandlers.ReloadGeo)
		admin.GET("/geo/status", adminHandlers.GeoStatus)
		admin.POST("/workspaces/:id/invalidate", adminHandlers.InvalidateWorkspace)
		admin.GET("/buffer", adminHandlers.BufferStats)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	go func() {
		logger.Info().Str("port", port).Msg("ingestion API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop the flush timer, then drain remaining events synchronously.
	// Best-effort: a failing store at this point loses the final batches.
	buf.Close()
	if err := buf.FlushAll(ctx); err != nil {
		logger.Error().Err(err).Msg("final buffer flush failed")
	}

	logger.Info().Msg("server exiting")
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
