// Package config loads the service configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds every tunable of the server process.
type Config struct {
	HTTPAddr    string
	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret      string
	JWTIssuer      string
	TokenTTL       time.Duration
	AllowDevTokens bool

	NodeID     string
	BusBackend string // "none", "redis" or "nats"
	NATSURL    string

	LogLevel string

	MatchRetryInterval time.Duration
	MatchTimeout       time.Duration
	QueueStaleAfter    time.Duration
	RoomTTL            time.Duration

	SendBuffer     int
	AllowedOrigins []string
}

// Load reads .env (if any) and the process environment into a Config.
// The boolean reports whether a .env file was found.
func Load() (*Config, bool, error) {
	envLoaded := godotenv.Load() == nil

	cfg, err := FromEnv(os.Getenv)
	return cfg, envLoaded, err
}

// LoadTooling is Load for operator tools that never issue or verify tokens.
func LoadTooling() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := parse(os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateStores(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg, err := parse(getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	hostname, _ := os.Hostname()

	cfg := &Config{
		HTTPAddr:       p.str("HTTP_ADDR", ":8080"),
		DatabaseDSN:    p.str("DATABASE_DSN", "host=localhost user=user password=password dbname=anonchat port=5432 sslmode=disable"),
		RedisAddr:      p.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  p.str("REDIS_PASSWORD", ""),
		RedisDB:        p.int("REDIS_DB", 0),
		JWTSecret:      p.str("JWT_SECRET", ""),
		JWTIssuer:      p.str("JWT_ISSUER", "anonchat"),
		TokenTTL:       p.duration("JWT_TOKEN_TTL", DefaultTokenTTL),
		AllowDevTokens: p.bool("ALLOW_DEV_TOKENS", false),
		NodeID:         p.str("NODE_ID", hostname),
		BusBackend:     strings.ToLower(p.str("BUS_BACKEND", "none")),
		NATSURL:        p.str("NATS_URL", "nats://127.0.0.1:4222"),
		LogLevel:       p.str("LOG_LEVEL", "info"),

		MatchRetryInterval: p.duration("MATCH_RETRY_INTERVAL", DefaultMatchRetryInterval),
		MatchTimeout:       p.duration("MATCH_TIMEOUT", DefaultMatchTimeout),
		QueueStaleAfter:    p.duration("QUEUE_STALE_AFTER", DefaultQueueStaleAfter),
		RoomTTL:            p.duration("ROOM_TTL", DefaultRoomTTL),

		SendBuffer:     p.int("SEND_BUFFER", DefaultSendBuffer),
		AllowedOrigins: p.list("ALLOWED_ORIGINS"),
	}

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("JWT_TOKEN_TTL must be positive")
	}
	return c.validateStores()
}

func (c *Config) validateStores() error {
	switch c.BusBackend {
	case "none", "redis", "nats":
	default:
		return errors.Errorf("unknown BUS_BACKEND %q", c.BusBackend)
	}
	if c.MatchRetryInterval <= 0 || c.MatchTimeout <= 0 || c.QueueStaleAfter <= 0 || c.RoomTTL <= 0 {
		return errors.New("matchmaking durations must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	return nil
}

// parser keeps the first conversion error so FromEnv can report it once.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
	}
	return d
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
