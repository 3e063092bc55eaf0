package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authcore/internal/auth"
	"authcore/internal/auth/emailflow"
	"authcore/internal/auth/oauth"
	"authcore/internal/auth/session"
	"authcore/internal/config"
	"authcore/internal/http_server/handlers/emailintent"
	"authcore/internal/http_server/handlers/login"
	"authcore/internal/http_server/handlers/logout"
	"authcore/internal/http_server/handlers/oauthcallback"
	"authcore/internal/http_server/handlers/oauthstart"
	"authcore/internal/http_server/handlers/refresh"
	"authcore/internal/http_server/handlers/regcomplete"
	"authcore/internal/http_server/handlers/regresend"
	"authcore/internal/http_server/handlers/regstart"
	"authcore/internal/http_server/handlers/regverify"
	rateLimit "authcore/internal/middleware/ratelimit"
	"authcore/internal/rabbitmq"
	"authcore/internal/storage/postgres"
	redisrepo "authcore/internal/storage/redis"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad("./config/config.yaml")

	log := setupLogger(cfg.Env)

	log.Info("starting auth service", slog.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("Shutdown signal received")
		cancel()
	}()

	storage, err := postgres.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect postgres", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer storage.Close()

	handshakes, err := redisrepo.New(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Error("failed to connect redis", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer handshakes.Close()

	msgBroker, err := rabbitmq.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueueName)
	if err != nil {
		log.Error("failed to connect rabbitmq", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer msgBroker.Close()

	providers, err := setupProviders(cfg, log)
	if err != nil {
		log.Error("failed to configure oauth providers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	sessions := session.New(log, storage, cfg.Tokens.RefreshTokenTTL)

	authService := auth.New(
		log,
		storage,
		sessions,
		cfg.Tokens.Secret,
		cfg.Verification.ProofSecret,
		cfg.Tokens.AccessTokenTTL,
		cfg.Tokens.RefreshTokenTTL,
	)

	oauthService := oauth.New(log, providers, handshakes, storage, cfg.OAuth.HandshakeTTL)

	workflow := emailflow.New(
		log,
		storage,
		msgBroker,
		cfg.Verification.CodeTTL,
		cfg.Verification.Cooldown,
		cfg.Verification.MaxAttempts,
		cfg.Verification.ProofSecret,
		cfg.Verification.ProofTTL,
	)

	router := setupRouter(log, authService, oauthService, workflow)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server is running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", slog.String("err", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", slog.String("err", err.Error()))
	} else {
		log.Info("Server stopped gracefully")
	}

	log.Info("Main service stopped")
}

func setupProviders(cfg *config.Config, log *slog.Logger) ([]oauth.Provider, error) {
	var providers []oauth.Provider

	if cfg.OAuth.Google.ClientID != "" {
		providers = append(providers, oauth.NewGoogle(oauth.GoogleConfig{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURI:  cfg.OAuth.Google.RedirectURI,
		}))
	}

	if cfg.OAuth.Apple.ClientID != "" {
		pem, err := os.ReadFile(cfg.OAuth.Apple.PrivateKeyPath)
		if err != nil {
			return nil, err
		}

		apple, err := oauth.NewApple(oauth.AppleConfig{
			ClientID:      cfg.OAuth.Apple.ClientID,
			TeamID:        cfg.OAuth.Apple.TeamID,
			KeyID:         cfg.OAuth.Apple.KeyID,
			PrivateKeyPEM: pem,
			RedirectURI:   cfg.OAuth.Apple.RedirectURI,
		})
		if err != nil {
			return nil, err
		}

		providers = append(providers, apple)
	}

	if len(providers) == 0 {
		log.Warn("no oauth providers configured")
	}

	return providers, nil
}

func setupRouter(
	log *slog.Logger,
	authService *auth.Auth,
	oauthService *oauth.Service,
	workflow *emailflow.Workflow,
) *chi.Mux {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.With(rateLimit.Login()).Post("/login",
		login.New(log, validate, authService),
	)
	r.With(rateLimit.Refresh()).Post("/refresh",
		refresh.New(log, validate, authService),
	)
	r.With(rateLimit.Logout()).Post("/logout",
		logout.New(log, validate, authService),
	)

	r.With(rateLimit.EmailIntent()).Post("/email-intent",
		emailintent.New(log, validate, workflow),
	)
	r.With(rateLimit.Register()).Post("/register/start",
		regstart.New(log, validate, workflow),
	)
	r.With(rateLimit.ResendVerificationEmail()).Post("/register/resend",
		regresend.New(log, validate, workflow),
	)
	r.With(rateLimit.Verify()).Post("/register/verify",
		regverify.New(log, validate, workflow),
	)
	r.With(rateLimit.Register()).Post("/register/complete",
		regcomplete.New(log, validate, authService),
	)

	r.With(rateLimit.OAuth()).Get("/oauth/{provider}/authorize",
		oauthstart.New(log, oauthService),
	)
	r.With(rateLimit.OAuth()).Post("/oauth/{provider}/callback",
		oauthcallback.New(log, validate, oauthService, authService),
	)

	return r
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
