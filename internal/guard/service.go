// Package guard assembles the guard components into one service and runs the
// request pipeline.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/modules/anomaly"
	"github.com/flowguard-project/flowguard/internal/modules/blocklist"
	"github.com/flowguard-project/flowguard/internal/modules/cryptobox"
	"github.com/flowguard-project/flowguard/internal/modules/csrf"
	"github.com/flowguard-project/flowguard/internal/modules/ratelimit"
	"github.com/flowguard-project/flowguard/internal/modules/sanitize"
	"github.com/flowguard-project/flowguard/internal/modules/sqlguard"
	"github.com/flowguard-project/flowguard/internal/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Service owns every guard component plus the recorder, the janitor and the
// optional Redis, NATS, SQLite and Kafka connections.
type Service struct {
	Config   *core.Config
	Logger   zerolog.Logger
	Metrics  *core.Metrics
	Recorder *core.Recorder
	Bus      *core.EventBus

	RateLimiter *ratelimit.Limiter
	Tokens      *csrf.Vault
	Blocks      *blocklist.List
	SQL         *sqlguard.Guard
	Anomaly     *anomaly.Detector
	RichText    *sanitize.RichText
	// Crypto is nil when no secret is configured.
	Crypto *cryptobox.Box

	webhooks *sink.WebhookAlerter
	janitor  *core.Janitor
	clock    core.Clock
	closers  []io.Closer
	hooks    []func() error
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Service)

// WithClock replaces wall time in every component.
func WithClock(c core.Clock) Option { return func(s *Service) { s.clock = c } }

// New builds the service described by cfg. Nothing runs in the background
// until Start except the recorder workers.
func New(cfg *core.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		Config:  cfg,
		Logger:  logger.With().Str("component", "guard").Logger(),
		Metrics: core.NewMetrics(),
		clock:   core.SystemClock{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.build(logger); err != nil {
		s.closeAll()
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(logger zerolog.Logger) error {
	cfg := s.Config

	store, err := s.openStore()
	if err != nil {
		return err
	}

	var publishers []core.EventPublisher
	var channels []core.AlertChannel
	if ch, ok := store.(core.AlertChannel); ok {
		channels = append(channels, ch)
	}
	if cfg.Alerts.EnableConsole {
		channels = append(channels, core.NewLogAlerter(logger))
	}
	if len(cfg.Alerts.WebhookURLs) > 0 {
		s.webhooks = sink.NewWebhookAlerter(cfg.Alerts.WebhookURLs, cfg.Alerts.Webhook, logger)
		channels = append(channels, s.webhooks)
	}
	if cfg.Bus.Enabled {
		bus, err := core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		s.Bus = bus
		s.closers = append(s.closers, bus)
		publishers = append(publishers, bus)
		channels = append(channels, bus)
	}
	if cfg.Kafka.Enabled {
		kp := sink.NewKafkaPublisher(cfg.Kafka)
		s.closers = append(s.closers, kp)
		publishers = append(publishers, kp)
	}

	s.Recorder = core.NewRecorder(store, cfg.Guard.Recorder, logger,
		core.WithPublishers(publishers...),
		core.WithAlertChannels(channels...),
		core.WithMetrics(s.Metrics),
		core.WithClock(s.clock),
	)

	var (
		limitStore ratelimit.Store = ratelimit.NewMemoryStore()
		tokenStore csrf.Store
		blockStore blocklist.Store = blocklist.NewMemoryStore()
	)
	if cfg.Shared.Enabled {
		rdb, err := s.connectRedis()
		if err != nil {
			return err
		}
		prefix := cfg.Shared.KeyPrefix
		limitStore = ratelimit.NewRedisStore(rdb, prefix)
		tokenStore = csrf.NewRedisStore(rdb, prefix)
		blockStore = blocklist.NewRedisStore(rdb, prefix)
	} else {
		mem, err := csrf.NewMemoryStore(cfg.Guard.TokenCapacity)
		if err != nil {
			return fmt.Errorf("creating token store: %w", err)
		}
		tokenStore = mem
	}

	s.RateLimiter = ratelimit.New(limitStore, cfg.Guard.RateLimits, cfg.Guard.DefaultLimit,
		ratelimit.WithClock(s.clock),
		ratelimit.WithEmitter(s.Recorder),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(s.Metrics),
	)
	s.Tokens = csrf.New(tokenStore, cfg.Guard.TokenLifetime,
		csrf.WithClock(s.clock),
		csrf.WithEmitter(s.Recorder),
		csrf.WithLogger(logger),
		csrf.WithMetrics(s.Metrics),
	)
	s.Blocks = blocklist.New(blockStore,
		blocklist.WithClock(s.clock),
		blocklist.WithEmitter(s.Recorder),
		blocklist.WithLogger(logger),
		blocklist.WithMetrics(s.Metrics),
	)
	s.Anomaly = anomaly.New(store, cfg.Guard.AnomalyWindow,
		anomaly.WithClock(s.clock),
		anomaly.WithEmitter(s.Recorder),
		anomaly.WithLogger(logger),
		anomaly.WithMetrics(s.Metrics),
	)
	s.SQL = sqlguard.New(s.Recorder, s.clock)
	s.RichText = sanitize.NewRichText()

	box, err := cryptobox.New(cfg.Crypto)
	switch {
	case errors.Is(err, cryptobox.ErrNoKeyMaterial):
		s.Logger.Warn().Msg("no crypto secret configured, encryption disabled")
	case err != nil:
		return fmt.Errorf("initializing crypto: %w", err)
	default:
		s.Crypto = box
	}

	s.janitor = core.NewJanitor(cfg.Guard.CleanupInterval, s.clock, logger, s.Metrics)
	for _, sw := range []core.Sweeper{s.RateLimiter, s.Tokens, s.Blocks} {
		if err := s.janitor.Register(sw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) openStore() (core.EventStore, error) {
	switch s.Config.Store.Driver {
	case "sqlite":
		st, err := sink.NewSQLiteStore(s.Config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening event store: %w", err)
		}
		s.closers = append(s.closers, st)
		s.Logger.Info().Str("path", s.Config.Store.Path).Msg("using SQLite event store")
		return st, nil
	case "", "memory":
		return sink.NewMemoryStore(s.Config.Store.MaxEvents), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Config.Store.Driver)
	}
}

func (s *Service) connectRedis() (redis.UniversalClient, error) {
	sh := s.Config.Shared
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{sh.Addr},
		Password: sh.Password,
		DB:       sh.DB,
	})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", sh.Addr, err)
	}
	s.closers = append(s.closers, rdb)
	s.Logger.Info().Str("addr", sh.Addr).Msg("using redis for shared guard state")
	return rdb, nil
}

// Start begins periodic cleanup.
func (s *Service) Start() error {
	s.janitor.Start(s.ctx)
	s.Logger.Info().
		Int("rate_limit_categories", len(s.Config.Guard.RateLimits)).
		Dur("cleanup_interval", s.Config.Guard.CleanupInterval).
		Bool("shared_state", s.Config.Shared.Enabled).
		Msg("guard service started")
	return nil
}

// Run starts the service and blocks until a shutdown signal is received.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-s.ctx.Done():
		s.Logger.Info().Msg("context cancelled")
	}
	return s.Shutdown()
}

// OnShutdown registers fn to run at the start of Shutdown, before the
// recorder drains. Hooks run in reverse registration order.
func (s *Service) OnShutdown(fn func() error) {
	s.hooks = append(s.hooks, fn)
}

// Shutdown runs the shutdown hooks, stops the janitor, drains the recorder
// and closes connections.
func (s *Service) Shutdown() error {
	s.Logger.Info().Msg("shutting down guard service")
	for i := len(s.hooks) - 1; i >= 0; i-- {
		if err := s.hooks[i](); err != nil {
			s.Logger.Error().Err(err).Msg("shutdown hook failed")
		}
	}
	s.hooks = nil
	s.cancel()
	s.janitor.Stop()
	s.Recorder.Close()
	s.closeAll()
	s.Logger.Info().Msg("guard service stopped")
	return nil
}

func (s *Service) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.Logger.Error().Err(err).Msg("error closing resource")
		}
	}
	s.closers = nil
}

// Sweep runs one cleanup pass immediately.
func (s *Service) Sweep() map[string]int {
	return s.janitor.RunOnce()
}

// DeadLetters returns failed webhook alert deliveries.
func (s *Service) DeadLetters(limit int) []sink.DeadLetter {
	if s.webhooks == nil {
		return nil
	}
	return s.webhooks.DeadLetters(limit)
}
