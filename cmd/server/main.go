// Copyright 2026 The Sole Backend Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/redis/go-redis/v9"

	"github.com/Stock-Loan/sole-backend/internal/audit"
	"github.com/Stock-Loan/sole-backend/internal/auth"
	"github.com/Stock-Loan/sole-backend/internal/config"
	"github.com/Stock-Loan/sole-backend/internal/identity"
	"github.com/Stock-Loan/sole-backend/internal/mfa"
	"github.com/Stock-Loan/sole-backend/internal/observability/logger"
	"github.com/Stock-Loan/sole-backend/internal/observability/metrics"
	"github.com/Stock-Loan/sole-backend/internal/observability/tracing"
	"github.com/Stock-Loan/sole-backend/internal/store/postgres"
	"github.com/Stock-Loan/sole-backend/internal/tenant"
	"github.com/Stock-Loan/sole-backend/internal/throttle"
	"github.com/Stock-Loan/sole-backend/internal/token"
	transportHTTP "github.com/Stock-Loan/sole-backend/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting sole-backend access gate")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "bootstrap" {
		if err := runBootstrap(cfg); err != nil {
			fmt.Printf("Bootstrap failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	var authMetrics *metrics.AuthMetrics
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	} else if authMetrics, err = metrics.NewAuthMetrics(meter); err != nil {
		slog.Error("failed to register auth metrics", logger.Error(err))
		authMetrics = nil
	}

	// Initialize database
	db, err := postgres.New(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize the shared fast store
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis")

	// Initialize repositories
	identityStore := postgres.NewIdentityRepository(db)
	tenantRepo := postgres.NewTenantRepository(db)

	// Initialize helpers
	auditLogger := audit.NewSlogLogger()
	passwordHasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)

	codec, err := token.NewCodec(cfg.JWT)
	if err != nil {
		slog.Error("failed to load signing keys", logger.Error(err))
		os.Exit(1)
	}

	cipher, err := mfa.NewSecretCipher(cfg.MFA.MasterSecret, cfg.MFA.PreviousMasterSecret, cfg.MFA.KDFSalt)
	if err != nil {
		slog.Error("failed to initialize mfa secret cipher", logger.Error(err))
		os.Exit(1)
	}

	// Throttles: identity- and address-keyed login counters share the lockout
	// policy; the MFA retry budget is scoped to a challenge's lifetime.
	loginThrottle := throttle.New(redisClient, cfg.Security.LoginAttemptLimit, cfg.Security.LoginLockoutWindow, cfg.Security.StoreTimeout)
	ipThrottle := throttle.New(redisClient, cfg.Security.LoginAttemptLimit*10, cfg.Security.LoginLockoutWindow, cfg.Security.StoreTimeout)
	mfaThrottle := throttle.New(redisClient, cfg.MFA.RetryLimit, cfg.JWT.ChallengeTokenTTL, cfg.Security.StoreTimeout)

	rotation := token.NewRotationStore(redisClient, cfg.Security.StoreTimeout)
	engine := mfa.NewEngine(identityStore, redisClient, cipher, cfg.MFA, cfg.Security.StoreTimeout)
	resolver := tenant.NewResolver(cfg.Tenancy, tenantRepo)

	authService := auth.NewService(
		resolver,
		identityStore,
		passwordHasher,
		loginThrottle, ipThrottle, mfaThrottle,
		codec,
		rotation,
		engine,
		auditLogger,
		authMetrics,
		cfg,
	)

	// Run bootstrap (ENV driven)
	bootstrapService := identity.NewBootstrapService(identityStore, tenantRepo, passwordHasher, auditLogger)
	if err := bootstrapService.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
	}

	// Rate limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.Server.TrustProxyHeaders)

	// Initialize HTTP handler and router
	handler := transportHTTP.NewHandler(authService, cfg.Server.TrustProxyHeaders)
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}

func runBootstrap(cfg *config.Config) error {
	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	identityStore := postgres.NewIdentityRepository(db)
	tenantRepo := postgres.NewTenantRepository(db)
	auditLogger := audit.NewSlogLogger()
	passwordHasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)

	bootstrapService := identity.NewBootstrapService(identityStore, tenantRepo, passwordHasher, auditLogger)
	return bootstrapService.Bootstrap(ctx)
}

func openDB(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	return postgres.New(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}
