package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPresenceTTL      = 5 * time.Minute
	DefaultSessionQueueSize = 256
)

type Config struct {
	ServerAddr       string
	Env              string
	DatabaseDSN      string
	RedisURL         string
	NatsURL          string
	AllowedOrigins   []string
	PresenceTTL      time.Duration
	SessionQueueSize int
	Migrate          bool
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// NewConfig validates the server settings. An empty DSN selects the
// in-memory document store; empty Redis and NATS URLs disable those
// backends.
func NewConfig(serverAddr, env, databaseDSN, redisURL, natsURL string, allowedOrigins []string,
	presenceTTL time.Duration, sessionQueueSize int, migrate bool) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if presenceTTL <= 0 {
		return nil, fmt.Errorf("presence ttl must be positive, got %s", presenceTTL)
	}
	if sessionQueueSize <= 0 {
		return nil, fmt.Errorf("session queue size must be positive, got %d", sessionQueueSize)
	}
	if migrate && databaseDSN == "" {
		return nil, fmt.Errorf("migrate requires a database DSN")
	}
	if env == "" {
		env = "development"
	}

	origins := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		ServerAddr:       serverAddr,
		Env:              env,
		DatabaseDSN:      databaseDSN,
		RedisURL:         redisURL,
		NatsURL:          natsURL,
		AllowedOrigins:   origins,
		PresenceTTL:      presenceTTL,
		SessionQueueSize: sessionQueueSize,
		Migrate:          migrate,
	}, nil
}
