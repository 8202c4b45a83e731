package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-svc/cache"
	"donation-svc/database"
	"donation-svc/handlers"
	"donation-svc/kafka"
	"donation-svc/middleware"
	"donation-svc/notifications"
	"donation-svc/payments"
	"donation-svc/proofs"
	"donation-svc/refunds"
	"donation-svc/statemachine"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	rdb, err := cache.InitRedis(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()
	publisher := kafka.NewPublisher(producer, logger)

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("donation-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Start notification consumer in background
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	reader := notifications.InitReader(logger)
	defer reader.Close()
	go func() {
		if err := notifications.StartConsumer(consumerCtx, reader, logger); err != nil {
			logger.Error("Notification consumer error", zap.Error(err))
		}
	}()

	// Core wiring: providers, state machine, reconciler, refund processor
	registry := payments.NewRegistry(
		payments.NewCardProvider(logger),
		payments.NewCryptoProvider(rdb, logger),
	)
	proofStore := proofs.NewStore(db)
	machine := statemachine.New(proofStore)
	reconciler := payments.NewReconciler(db, machine, publisher, logger)
	refundProcessor := refunds.NewProcessor(db, machine, registry, publisher, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("donation-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Public endpoints
	checkoutHandler := handlers.NewCheckoutHandler(db, rdb, registry, publisher, logger)
	projectHandler := handlers.NewProjectHandler(db, rdb, logger)
	lookupHandler := handlers.NewLookupHandler(db, logger)
	refundHandler := handlers.NewRefundHandler(refundProcessor, logger)
	router.POST("/checkout", checkoutHandler.CreateCheckout)
	router.GET("/projects", projectHandler.GetProjects)
	router.GET("/projects/:id", projectHandler.GetProject)
	router.GET("/donations/lookup", lookupHandler.LookupDonations)
	router.POST("/orders/:reference/refund", refundHandler.InitiateRefund)

	// Provider webhooks
	webhookHandler := handlers.NewWebhookHandler(registry, reconciler, refundProcessor, logger)
	router.POST("/webhooks/:provider", webhookHandler.HandleCallback)

	// Staff endpoints
	adminHandler := handlers.NewAdminHandler(db, machine, proofStore, publisher, logger)
	admin := router.Group("/admin", middleware.StaffAuthMiddleware(logger))
	admin.POST("/donations/:id/status", adminHandler.UpdateStatus)
	admin.POST("/donations/status/batch", adminHandler.BatchUpdateStatus)
	admin.POST("/donations/:id/proofs", adminHandler.UploadProof)
	admin.GET("/donations/:id/proofs", adminHandler.ListProofs)
	admin.GET("/orders/:reference", adminHandler.GetOrder)

	// Start REST server
	srv := &http.Server{
		Addr:    ":8085",
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Donation Service started on :8085")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	cancelConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
