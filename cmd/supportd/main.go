// Command supportd is the development backend for the support chat: REST
// history, sending and roster, with inbox notifications published to RabbitMQ.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"supportchat/config"
	"supportchat/internal/adapters/broker"
	"supportchat/internal/avatars"
	"supportchat/internal/db"
	"supportchat/internal/metrics"
	"supportchat/internal/notify"
	"supportchat/internal/server"
	"supportchat/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.RegisterServerFlags(pflag.CommandLine)
	pflag.Parse()

	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	l := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("driver", cfg.Server.DatabaseDriver).Msg("Initializing database...")
	conn, err := db.InitDB(ctx, cfg.Server.DatabaseDriver, cfg.Server.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer conn.Close()
	if err := db.MigrateDB(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	repo := server.NewRepository(conn)
	if cfg.Server.SeedUsers != "" {
		users, err := server.ParseSeedUsers(cfg.Server.SeedUsers)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid SEED_USERS")
		}
		if err := repo.Seed(ctx, users); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed users")
		}
		log.Info().Int("users", len(users)).Msg("Seeded users")
	}

	var publisher notify.Publisher
	if cfg.Server.RabbitMQURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
	} else {
		rabbit, err := notify.NewRabbitPublisher(cfg.Server.RabbitMQURL, broker.TopicExchange, l)
		if err != nil {
			// Clients still converge through polling.
			log.Error().Err(err).Msg("Could not connect to RabbitMQ, inbox notifications disabled")
		} else {
			defer rabbit.Close()
			publisher = rabbit
		}
	}

	var avatarStore *avatars.Store
	if cfg.Server.S3.Enabled {
		avatarStore, err = avatars.NewS3Store(cfg.Server.S3, l)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 avatar storage")
		}
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	handler, err := server.New(repo, notify.NewNotifier(publisher, l), avatarStore, server.Options{
		AuthCacheTTL:      cfg.Server.AuthCacheTTL,
		SendRatePerSecond: cfg.Server.SendRatePerSecond,
		SendBurst:         cfg.Server.SendBurst,
	}, l)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.Server.Port).Msgf("Server starting on port %s...", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	log.Info().Msg("Server stopped")
}
