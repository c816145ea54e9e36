package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snackkiosk/backend/internal/cache"
	"snackkiosk/backend/internal/config"
	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/eventbus"
	"snackkiosk/backend/internal/fanout"
	"snackkiosk/backend/internal/httpapi"
	"snackkiosk/backend/internal/leader"
	"snackkiosk/backend/internal/logging"
	"snackkiosk/backend/internal/notify"
	"snackkiosk/backend/internal/service"
	"snackkiosk/backend/internal/store"
	"snackkiosk/backend/internal/store/memory"
	pgstore "snackkiosk/backend/internal/store/postgres"
	"snackkiosk/backend/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := validateSecurityConfig(cfg); err != nil {
		logging.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logging.Warn().Err(err).Msg("close error")
			}
		}
		logging.Info().Msg("server stopped")
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var repo store.Repository
	var pg *pgstore.Store
	if cfg.DatabaseURL != "" {
		pg, err = pgstore.New(startupCtx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startupCtx); err != nil {
			logging.Fatal().Err(err).Msg("migrations failed")
		}
		repo = pg
		logging.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logging.Info().Msg("repository: in-memory")
	}

	feedCache := cache.FeedCache(cache.NoopFeedCache{})
	var redisCache *cache.RedisFeedCache
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisFeedCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rc.Ping(startupCtx); err != nil {
			logging.Warn().Err(err).Msg("redis unavailable, using noop cache")
			_ = rc.Close()
		} else {
			feedCache = rc
			redisCache = rc
			closers = append(closers, rc.Close)
			logging.Info().Msg("cache: redis")
		}
	} else {
		logging.Info().Msg("cache: noop")
	}

	transport := newTransport(cfg, pg)

	var svc *service.Service
	hub := eventbus.NewHub(statusSourceFunc(func(ctx context.Context) domain.KioskStatus {
		return svc.CurrentStatus(ctx)
	}), eventbus.Options{
		TickInterval: cfg.StatusTickInterval,
		ClientBuffer: cfg.ClientBufferSize,
		ReplayLimit:  cfg.ReplayCacheLimit,
	})
	relay := fanout.NewRelay(transport, hub)
	svc = service.New(repo, feedCache, fanout.NewPublisher(transport, cfg.InstanceID, relay), service.Options{
		DefaultTimezone: cfg.OperatingTimezone,
		FeedCacheTTL:    cfg.FeedCacheTTL,
	})

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if pg != nil && cfg.SeedAdminPassword != "" {
		if err := auth.EnsureAdmin(startupCtx, "admin", cfg.SeedAdminPassword); err != nil {
			logging.Fatal().Err(err).Msg("admin bootstrap failed")
		}
	}
	api := httpapi.New(svc, auth, hub, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		SSEKeepAlive:  cfg.SSEKeepAlive,
	})

	worker := notify.NewWorker(newLeaderLock(cfg, pg, redisCache), repo, newMailer(cfg), notify.Options{
		Policy:        notify.Policy{Ladder: cfg.RetryLadder(), MaxAttempts: cfg.NotificationMaxAttempts},
		PollInterval:  cfg.WorkerPollInterval,
		BatchSize:     cfg.WorkerBatchSize,
		Recipients:    cfg.Recipients(),
		RatePerSecond: cfg.MailRatePerSecond,
		Instance:      cfg.InstanceID,
	})

	// WriteTimeout stays unset: event streams are long-lived responses.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{})
	tree.AddRealtime(hub)
	tree.AddRealtime(relay)
	tree.AddWorker(worker)
	tree.AddAPI(supervisor.NewHTTPService(server, cfg.Address(), 8*time.Second))

	logging.Info().
		Str("instance", cfg.InstanceID).
		Str("leader_backend", cfg.LeaderBackend).
		Str("timezone", cfg.OperatingTimezone).
		Msg("starting kiosk backend")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped with error")
	}
}

type statusSourceFunc func(ctx context.Context) domain.KioskStatus

func (f statusSourceFunc) CurrentStatus(ctx context.Context) domain.KioskStatus { return f(ctx) }

// newTransport picks LISTEN/NOTIFY when instances share a database, and the
// in-process loopback otherwise.
func newTransport(cfg config.Config, pg *pgstore.Store) fanout.Transport {
	if pg != nil {
		logging.Info().Str("channel", cfg.EventsChannel).Msg("fanout: postgres notify")
		return pg.NotifyTransport(cfg.EventsChannel)
	}
	logging.Info().Msg("fanout: loopback")
	return fanout.NewLoopback(0)
}

func newLeaderLock(cfg config.Config, pg *pgstore.Store, redisCache *cache.RedisFeedCache) leader.Lock {
	switch cfg.LeaderBackend {
	case "postgres":
		if pg != nil {
			return pg.AdvisoryLock(cfg.LeaderLockID)
		}
		logging.Warn().Msg("LEADER_BACKEND=postgres without DATABASE_URL, using in-process lock")
	case "redis":
		if redisCache != nil {
			return leader.NewRedisLease(redisCache.Client(), cfg.LeaderLockID, cfg.LeaderLeaseTTL)
		}
		logging.Warn().Msg("LEADER_BACKEND=redis without a reachable REDIS_ADDR, using in-process lock")
	}
	return leader.NewArbiter().Lock(cfg.LeaderLockID, cfg.InstanceID)
}

func newMailer(cfg config.Config) notify.Mailer {
	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		logging.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("mailer: smtp")
	} else {
		logging.Info().Msg("mailer: log only")
	}
	return notify.NewBreakerMailer(mailer, 5, time.Minute)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedAdminPassword != "" && len(cfg.SeedAdminPassword) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	if cfg.SMTPUsername != "" && cfg.SMTPPassword == "" {
		return fmt.Errorf("SMTP_PASSWORD must be set when SMTP_USERNAME is")
	}
	if cfg.SMTPHost != "" && len(cfg.Recipients()) == 0 {
		return fmt.Errorf("ALERT_RECIPIENTS must list at least one address when SMTP_HOST is set")
	}
	if origin := strings.TrimSpace(cfg.AllowedOrigin); origin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name explicit origins")
	}
	return nil
}
