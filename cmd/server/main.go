package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourorg/form4-ingest/internal/app"
	"github.com/yourorg/form4-ingest/internal/config"
	"github.com/yourorg/form4-ingest/internal/handler"
	"github.com/yourorg/form4-ingest/internal/logging"
	"github.com/yourorg/form4-ingest/internal/middleware"
	"github.com/yourorg/form4-ingest/internal/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, os.Stdout)
	if err != nil {
		logger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Cancelled on SIGINT/SIGTERM; in-flight scrapes see it through their
	// request context and finalize their history rows
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize ingestion pipeline", zap.Error(err))
	}
	defer pipeline.Close()

	// Initialize handlers
	scrapeHandler := handler.NewScrapeHandler(
		pipeline.ScrapeService,
		pipeline.BatchService,
		pipeline.Store,
		handler.Defaults{
			DaysBack:             cfg.Scraper.DaysBack,
			MaxFilingsPerCompany: cfg.Scraper.MaxFilingsPerCompany,
			Watchlist:            cfg.Scraper.Watchlist,
			StaleAfter:           cfg.Scraper.StaleAfter,
		},
		logger,
	)

	router := setupRouter(scrapeHandler, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Create a deadline for server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush spans", zap.Error(err))
	}

	logger.Info("Server exited properly")
}

func setupRouter(scrapeHandler *handler.ScrapeHandler, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	// Use middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger, "/health"))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// API routes
	v1 := router.Group("/api/v1")
	scrapeHandler.RegisterRoutes(v1)

	return router
}
