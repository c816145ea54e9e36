package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config keys double as environment variable names (lower-cased), so
// DATABASE_URL overrides database_url from the optional YAML file.
type Config struct {
	Port                  string `koanf:"port"`
	AllowedOrigin         string `koanf:"allowed_origin"`
	DatabaseURL           string `koanf:"database_url"`
	RedisAddr             string `koanf:"redis_addr"`
	RedisPassword         string `koanf:"redis_password"`
	RedisDB               int    `koanf:"redis_db"`
	AuthSecret            string `koanf:"auth_secret"`
	AccessTokenTTLMinutes int    `koanf:"access_token_ttl_minutes"`
	SeedAdminPassword     string `koanf:"seed_admin_password"`
	InstanceID            string `koanf:"instance_id"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	OperatingTimezone  string        `koanf:"operating_timezone"`
	StatusTickInterval time.Duration `koanf:"status_tick_interval"`
	ClientBufferSize   int           `koanf:"client_buffer_size"`
	ReplayCacheLimit   int           `koanf:"replay_cache_limit"`
	SSEKeepAlive       time.Duration `koanf:"sse_keepalive"`
	EventsChannel      string        `koanf:"events_channel"`
	FeedCacheTTL       time.Duration `koanf:"feed_cache_ttl"`

	NotificationRetryLadder string        `koanf:"notification_retry_ladder"`
	NotificationMaxAttempts int           `koanf:"notification_max_attempts"`
	WorkerPollInterval      time.Duration `koanf:"worker_poll_interval"`
	WorkerBatchSize         int           `koanf:"worker_batch_size"`
	LeaderLockID            string        `koanf:"leader_lock_id"`
	LeaderBackend           string        `koanf:"leader_backend"`
	LeaderLeaseTTL          time.Duration `koanf:"leader_lease_ttl"`

	SMTPHost          string  `koanf:"smtp_host"`
	SMTPPort          int     `koanf:"smtp_port"`
	SMTPUsername      string  `koanf:"smtp_username"`
	SMTPPassword      string  `koanf:"smtp_password"`
	SMTPFrom          string  `koanf:"smtp_from"`
	AlertRecipients   string  `koanf:"alert_recipients"`
	MailRatePerSecond float64 `koanf:"mail_rate_per_second"`
}

func defaults() Config {
	return Config{
		Port:                    "8080",
		AllowedOrigin:           "http://127.0.0.1:3000",
		AccessTokenTTLMinutes:   480,
		LogLevel:                "info",
		LogFormat:               "json",
		OperatingTimezone:       "UTC",
		StatusTickInterval:      5 * time.Second,
		ClientBufferSize:        64,
		ReplayCacheLimit:        1024,
		SSEKeepAlive:            25 * time.Second,
		EventsChannel:           "kiosk_events",
		FeedCacheTTL:            30 * time.Second,
		NotificationRetryLadder: "1m,5m,15m",
		NotificationMaxAttempts: 3,
		WorkerPollInterval:      15 * time.Second,
		WorkerBatchSize:         50,
		LeaderLockID:            "snackkiosk-notification-worker",
		LeaderBackend:           "postgres",
		LeaderLeaseTTL:          45 * time.Second,
		SMTPPort:                587,
		SMTPFrom:                "kiosk@localhost",
		MailRatePerSecond:       2,
	}
}

// Load layers struct defaults, the YAML file named by CONFIG_FILE (if any),
// and the process environment.
func Load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := ParseRetryLadder(c.NotificationRetryLadder); err != nil {
		errs = append(errs, fmt.Errorf("NOTIFICATION_RETRY_LADDER: %w", err))
	}
	if c.NotificationMaxAttempts < 1 {
		errs = append(errs, errors.New("NOTIFICATION_MAX_ATTEMPTS must be at least 1"))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.StatusTickInterval <= 0 {
		errs = append(errs, errors.New("STATUS_TICK_INTERVAL must be positive"))
	}
	if strings.TrimSpace(c.LeaderLockID) == "" {
		errs = append(errs, errors.New("LEADER_LOCK_ID must be set"))
	}
	switch c.LeaderBackend {
	case "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("LEADER_BACKEND %q must be postgres, redis or memory", c.LeaderBackend))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// RetryLadder returns the parsed backoff ladder. Validate has already
// rejected malformed values, so errors are ignored here.
func (c Config) RetryLadder() []time.Duration {
	ladder, _ := ParseRetryLadder(c.NotificationRetryLadder)
	return ladder
}

func (c Config) Recipients() []string {
	var out []string
	for _, part := range strings.Split(c.AlertRecipients, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// ParseRetryLadder parses a comma separated list of durations such as "1m,5m,15m".
func ParseRetryLadder(raw string) ([]time.Duration, error) {
	var ladder []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid step %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("step %q must be positive", part)
		}
		ladder = append(ladder, d)
	}
	if len(ladder) == 0 {
		return nil, errors.New("at least one step is required")
	}
	return ladder, nil
}
