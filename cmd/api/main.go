package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/mailauth/internal/http/handlers"
	"github.com/diagnosis/mailauth/internal/mailer"
	"github.com/diagnosis/mailauth/internal/repository/postgres"
	"github.com/diagnosis/mailauth/internal/service"
	"github.com/diagnosis/mailauth/pkg/config"
	"github.com/diagnosis/mailauth/pkg/database"
	"github.com/diagnosis/mailauth/pkg/events"
	"github.com/diagnosis/mailauth/pkg/logger"
	mw "github.com/diagnosis/mailauth/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Event bus is advisory: the audit trail stays durable without it.
	var bus events.Publisher
	if natsBus, err := events.NewNATSEventBus(cfg.NATS.URL); err != nil {
		logger.Warn("Failed to connect to NATS, events disabled", "error", err)
	} else {
		bus = natsBus
		defer natsBus.Close()
	}

	// Repositories
	accountRepo := postgres.NewAccountRepository(pool)
	codeRepo := postgres.NewAuthCodeRepository(pool)
	rateRepo := postgres.NewRateLimitRepository(pool)
	revokedRepo := postgres.NewRevocationRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)

	// Services
	auditLog := service.NewSecurityAuditLog(auditRepo, bus)
	limiter := service.NewRateLimiter(rateRepo)
	lockout := service.NewLockoutGuard(accountRepo, auditLog, cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration)
	codeService := service.NewAuthCodeService(codeRepo, accountRepo, limiter, lockout, auditLog, buildMailer(cfg), cfg)
	tokenService := service.NewTokenService(
		accountRepo, revokedRepo, auditLog,
		cfg.Auth.AccessTokenSecret, cfg.Auth.RefreshTokenSecret,
		cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL,
		cfg.Auth.Issuer, cfg.Auth.Audience,
	)
	authService := service.NewAuthService(codeService, tokenService)

	h := handlers.New(authService)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("auth"))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if store := buildIdempotencyStore(cfg); store != nil {
		r.Use(mw.Idempotency(store))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request-code", h.RequestCode)
		r.Post("/verify", h.VerifyCode)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/validate", h.Validate)
	})

	// Advisory cleanup of expired codes, stale windows, and dead
	// revocation entries.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweep(sweepCtx, cfg, codeRepo, rateRepo, revokedRepo)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down auth service...")
		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Auth service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting auth service", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Auth service error", "error", err)
		os.Exit(1)
	}
}

func buildMailer(cfg *config.Config) mailer.Service {
	switch {
	case cfg.Email.DevMode:
		return mailer.NewDevMailer()
	case cfg.Email.MailerSendKey != "":
		return mailer.NewMailerSend(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.SMTPFrom)
	default:
		return mailer.NewSMTPMailer(
			cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPFrom,
			cfg.Email.SMTPUser, cfg.Email.SMTPPass, cfg.Email.SMTPUseTLS,
		)
	}
}

func buildIdempotencyStore(cfg *config.Config) mw.IdempotencyStore {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("Invalid redis URL, idempotency disabled", "error", err)
		return nil
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	opts.DB = cfg.Redis.DB
	return mw.NewRedisIdempotencyStore(redis.NewClient(opts))
}

func sweep(ctx context.Context, cfg *config.Config, codes postgres.AuthCodeRepository, rates postgres.RateLimitRepository, revoked postgres.RevocationRepository) {
	ticker := time.NewTicker(cfg.Limits.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := codes.DeleteExpired(ctx); err != nil {
				logger.Warn("Sweep: expired codes", "error", err)
			} else if n > 0 {
				logger.Info("Sweep: removed expired codes", "count", n)
			}
			if n, err := rates.DeleteStale(ctx, 2*cfg.Limits.Window); err != nil {
				logger.Warn("Sweep: stale rate windows", "error", err)
			} else if n > 0 {
				logger.Info("Sweep: removed stale rate windows", "count", n)
			}
			if n, err := revoked.DeleteExpired(ctx); err != nil {
				logger.Warn("Sweep: expired revocations", "error", err)
			} else if n > 0 {
				logger.Info("Sweep: removed expired revocations", "count", n)
			}
		}
	}
}
