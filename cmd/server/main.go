package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-realtime/internal/api"
	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/presence"
	"github.com/npezzotti/go-realtime/internal/relay"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/rs/zerolog"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

var (
	addr             string
	env              string
	dsn              string
	redisURL         string
	natsURL          string
	allowedOrigins   stringSliceFlag
	presenceTTL      time.Duration
	sessionQueueSize int
	migrateDB        bool
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&env, "env", envOr("ENV", "development"), "environment (development or production)")
	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string, in-memory store when empty")
	flag.StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "redis url for the presence registry")
	flag.StringVar(&natsURL, "nats-url", os.Getenv("NATS_URL"), "nats url to relay appended messages to")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&presenceTTL, "presence-ttl", envDuration("PRESENCE_TTL", config.DefaultPresenceTTL), "presence freshness window")
	flag.IntVar(&sessionQueueSize, "session-queue-size", envInt("SESSION_QUEUE_SIZE", config.DefaultSessionQueueSize), "live delivery queue per subscription")
	flag.BoolVar(&migrateDB, "migrate", os.Getenv("MIGRATE") == "true", "apply database migrations on start")
	flag.Parse()

	if len(allowedOrigins) == 0 && os.Getenv("ALLOWED_ORIGINS") != "" {
		allowedOrigins.Set(os.Getenv("ALLOWED_ORIGINS"))
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "go-realtime").Logger()

	cfg, err := config.NewConfig(addr, env, dsn, redisURL, natsURL, allowedOrigins,
		presenceTTL, sessionQueueSize, migrateDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := openRepository(ctx, logger, cfg)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	store, closeStore, err := openPresenceStore(logger, cfg, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("presence store")
	}
	defer closeStore()

	opts := server.Options{SessionQueueSize: cfg.SessionQueueSize}
	if cfg.NatsURL != "" {
		pub, err := relay.NewNatsPublisher(logger, cfg.NatsURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer pub.Close()
		opts.Relay = pub
	}

	statsUpdater := stats.NewStatsUpdater()

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	registry := presence.NewRegistry(logger, store, cfg.PresenceTTL)
	app := api.NewApp(logger, chatServer, db, registry, statsUpdater.Handler(), cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

func openRepository(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (database.Repository, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn().Msg("no database configured, using in-memory document store")
		return database.NewMemoryRepository(), nil
	}

	pg, err := database.NewPgRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		logger.Info().Msg("applying migrations")
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, err
		}
	}

	return pg, nil
}

// openPresenceStore prefers Redis, then the document store when it is
// durable, then process memory.
func openPresenceStore(logger zerolog.Logger, cfg *config.Config, db database.Repository) (presence.Store, func(), error) {
	switch {
	case cfg.RedisURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := presence.NewRedisStore(ctx, cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("presence registry backed by redis")
		return rs, func() { rs.Close() }, nil
	case cfg.DatabaseDSN != "":
		logger.Info().Msg("presence registry backed by the document store")
		return presence.NewRepositoryStore(db), func() {}, nil
	default:
		return presence.NewMemoryStore(), func() {}, nil
	}
}
