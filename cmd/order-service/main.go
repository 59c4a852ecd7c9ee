package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/auth"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/config"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/db"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/events"
	orderHttp "github.com/vasiliy-maslov/ecommerce-microservices/internal/handler/http"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/order"
	"github.com/vasiliy-maslov/ecommerce-microservices/internal/payment"
)

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", cfg.Name).Logger()
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Msg("Order service starting...")
	log.Debug().
		Str("port", cfg.App.Port).
		Str("db_host", cfg.Postgres.Host).
		Str("db_name", cfg.Postgres.DBName).
		Str("currency", cfg.Stripe.Currency).
		Bool("amqp_enabled", cfg.AMQP.URL != "").
		Msg("Configuration loaded")

	if err := db.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	dbConn, err := db.New(startupCtx, cfg.Postgres)
	cancelStartup()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	opts := []order.Option{order.WithCatalog(catalog.NewRepository(dbConn.Pool))}
	if cfg.AMQP.URL != "" {
		publisher, closePublisher, err := events.Dial(cfg.AMQP)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to message broker")
		}
		defer closePublisher()
		opts = append(opts, order.WithNotifier(publisher))
	}

	orderRepository := order.NewRepository(dbConn.Pool)
	gateway := payment.NewStripeGateway(cfg.Stripe, nil)
	orderSvc := order.NewService(orderRepository, gateway, cfg.App.FrontendURL, opts...)

	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	limiter := orderHttp.NewKeyedLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	orderHandler := orderHttp.NewOrderHandler(orderSvc, authenticator, limiter)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	orderHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
