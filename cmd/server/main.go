package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/labops/be-lab-procedures/internal/client"
	"github.com/labops/be-lab-procedures/internal/config"
	"github.com/labops/be-lab-procedures/internal/database"
	"github.com/labops/be-lab-procedures/internal/handler"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/middleware"
	"github.com/labops/be-lab-procedures/internal/repository"
	"github.com/labops/be-lab-procedures/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Lab Procedures Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS event publisher (optional)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS URL not configured, event publishing disabled")
	}
	events := client.NewNatsEventPublisher(natsConn, log.Logger)

	// Initialize test-type registry client (optional)
	var registry service.TestTypeRegistry
	if cfg.Registry.URL != "" {
		registry = client.NewRegistryClient(cfg.Registry.URL)
		log.Info().Str("url", cfg.Registry.URL).Msg("Registry client initialized")
	}

	// Initialize repositories
	templateRepo := repository.NewTemplateRepository(db)
	procedureRepo := repository.NewProcedureRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize services
	requestService := service.NewRequestService(requestRepo, auditRepo, auditRepo, log)
	templateService := service.NewTemplateService(templateRepo, registry, log)
	procedureService := service.NewProcedureService(
		procedureRepo, templateRepo, requestRepo, requestService, events, auditRepo, log)
	approvalService := service.NewApprovalService(
		approvalRepo, procedureRepo, requestService, events, auditRepo, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		templateService, procedureService, approvalService, requestService, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
