package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jobblog/backend/internal/audit"
	auditrepo "jobblog/backend/internal/audit/repository"
	"jobblog/backend/internal/auth/service"
	"jobblog/backend/internal/config"
	"jobblog/backend/internal/db"
	"jobblog/backend/internal/logging"
	"jobblog/backend/internal/oauth"
	"jobblog/backend/internal/security"
	sessionrepo "jobblog/backend/internal/session/repository"
	"jobblog/backend/internal/server"
	"jobblog/backend/internal/telemetry"
	telemetryotel "jobblog/backend/internal/telemetry/otel"
	"jobblog/backend/internal/telemetry/producer"
	userrepo "jobblog/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer pool.Close()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "jobblog-auth", cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal("telemetry providers", zap.Error(err))
	}
	providers.SetGlobal()

	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		logger.Fatal("kafka producer", zap.Error(err))
	}
	emitter := telemetry.Multi(
		telemetryotel.NewEventEmitter(providers.LoggerProvider),
		kafkaProducer,
	)

	tokens, err := security.NewTokenProvider(
		[]byte(cfg.JWTAccessSecret),
		[]byte(cfg.JWTRefreshSecret),
		cfg.JWTIssuer,
		cfg.AccessTTL(),
		cfg.RefreshTTL(),
	)
	if err != nil {
		logger.Fatal("token provider", zap.Error(err))
	}

	auditRepo := auditrepo.NewPostgresRepository(pool)
	auditLogger := audit.NewLogger(auditRepo, server.ClientIP)
	svc := service.NewTokenService(
		userrepo.NewPostgresRepository(pool),
		sessionrepo.NewPostgresRepository(pool),
		tokens,
		security.NewRefreshHasher([]byte(cfg.RefreshHashSalt)),
		oauth.NewGoogleClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI),
		auditLogger,
		emitter,
		logger,
		cfg.RevokeFamilyOnReuse,
	)

	router := server.NewRouter(svc, auditRepo, pool, logger, server.Options{
		ClientRedirectURI: cfg.ClientRedirectURI,
		RefreshTTL:        cfg.RefreshTTL(),
		Production:        cfg.Env == "production",
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}

	// Let in-flight async emits finish before tearing down their sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("kafka close", zap.Error(err))
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
