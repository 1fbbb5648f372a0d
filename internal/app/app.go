// Package app wires the services together according to the configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/analytics"
	"roomie_match/internal/broker"
	"roomie_match/internal/config"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
	"roomie_match/internal/matching"
	"roomie_match/internal/messaging"
	"roomie_match/internal/notification"
	"roomie_match/internal/outbox"
	"roomie_match/internal/persistence"
	"roomie_match/internal/presence"
	"roomie_match/internal/push"
	"roomie_match/internal/repository"
	"roomie_match/internal/security"
	"roomie_match/internal/ws"
)

// Latencies holds the simulated delay of each in-process service.
type Latencies struct {
	Matching      latency.Range
	Notifications latency.Range
	Messaging     latency.Range
	Users         latency.Range
	Publications  latency.Range
	Security      latency.Range
	Analytics     latency.Range
}

func latencies(cfg config.LatencyConfig) Latencies {
	if cfg.Disabled {
		return Latencies{}
	}
	return Latencies{
		Matching:      latency.Matching,
		Notifications: latency.Notifications,
		Messaging:     latency.Messaging,
		Users:         latency.Users,
		Publications:  latency.Publications,
		Security:      latency.Security,
		Analytics:     latency.Analytics,
	}
}

func busPolicy(cfg config.BusConfig) eventbus.DeliveryPolicy {
	if cfg.Deterministic() {
		return eventbus.ImmediatePolicy{}
	}
	return eventbus.SimulatedPolicy{
		Latency:          latency.Between(cfg.MinLatency, cfg.MaxLatency),
		Dispatch:         cfg.DispatchDelay,
		AbortProbability: cfg.AbortProbability,
	}
}

type App struct {
	log    *log.Entry
	NodeID string

	Bus           *eventbus.Bus
	Users         *repository.UserRepository
	Publications  *repository.PublicationRepository
	Matching      *matching.Engine
	Notifications *notification.Engine
	Messaging     *messaging.Service
	Security      *security.Analyzer
	Analytics     *analytics.Aggregator
	Registry      *prometheus.Registry

	// Set only when the corresponding backend is configured.
	Hub   *ws.Hub
	Relay *outbox.Relay

	pushWorker *push.Worker
	workers    sync.WaitGroup
	closers    []func() error
}

// New builds every service. Optional backends (PostgreSQL, Redis, RabbitMQ,
// RabbitMQ streams) are connected only when configured; otherwise in-memory
// implementations are used.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (a *App, err error) {
	a = &App{
		log:    logger.WithField("component", "app"),
		NodeID: cfg.Server.NodeID,
	}
	if a.NodeID == "" {
		a.NodeID = uuid.NewString()
	}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	root := log.NewEntry(logger)
	lat := latencies(cfg.Latency)
	a.Bus = eventbus.New(root, busPolicy(cfg.Bus))

	db, err := a.openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	snapshots, err := a.snapshotStore(ctx, cfg.Redis, db)
	if err != nil {
		return nil, err
	}

	var (
		messages messaging.Store = repository.NewMemoryMessageRepository()
		sessions presence.Repository = presence.NewMemoryRepository()
	)
	if db != nil {
		pgMessages := repository.NewPostgresMessageRepository(db)
		if err := pgMessages.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		pgSessions := presence.NewPostgresRepository(db)
		if err := pgSessions.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		messages, sessions = pgMessages, pgSessions
	}

	var pusher notification.Pusher
	if cfg.Broker.AMQPURL != "" {
		mq, err := broker.NewRabbitMQClient(cfg.Broker.AMQPURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { mq.Close(); return nil })
		pusher = push.NewPublisher(root, mq, sessions)
		a.Hub = ws.NewHub(root, sessions, mq, a.NodeID)
		a.pushWorker = push.NewWorker(root, mq, nil)
		a.log.Info("rabbitmq delivery enabled")
	}

	a.Users = repository.NewUserRepository(root, a.Bus, snapshots, lat.Users)
	if err := a.Users.Load(ctx); err != nil {
		return nil, err
	}
	a.Publications = repository.NewPublicationRepository(root, a.Bus, lat.Publications)

	mcfg := matching.Config{
		Threshold: cfg.Matching.Threshold,
		PriceFlex: cfg.Matching.PriceFlex,
		Latency:   lat.Matching,
	}
	a.Matching = matching.NewEngine(root, a.Bus, a.Users, a.Publications, mcfg)
	a.Notifications = notification.NewEngine(root, a.Matching, a.Users, pusher, lat.Notifications)
	a.Security = security.NewAnalyzer(root, a.Bus, lat.Security)
	a.Messaging = messaging.NewService(root, messages, a.Matching, a.Security, a.Bus, lat.Messaging)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Analytics, err = analytics.NewAggregator(root, a.Registry, a.Matching, a.Notifications, a.Publications, lat.Analytics)
	if err != nil {
		return nil, err
	}

	a.Security.Subscribe(a.Bus)
	a.Matching.Subscribe(a.Bus)
	a.Notifications.Subscribe(a.Bus)
	a.Analytics.Subscribe(a.Bus)

	if cfg.Broker.StreamURI != "" {
		sink, err := outbox.NewStreamSink(cfg.Broker.StreamURI, cfg.Broker.StreamName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		a.Relay = outbox.NewRelay(root, sink)
		a.Relay.Subscribe(a.Bus)
		a.log.WithField("stream", cfg.Broker.StreamName).Info("event relay enabled")
	}

	return a, nil
}

func (a *App) openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.log.Info("postgres enabled")
	return db, nil
}

// snapshotStore prefers Redis, then PostgreSQL, then memory.
func (a *App) snapshotStore(ctx context.Context, cfg config.RedisConfig, db *sql.DB) (persistence.Store, error) {
	switch {
	case cfg.Addr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.log.WithField("addr", cfg.Addr).Info("redis snapshots enabled")
		return persistence.NewRedisStore(client, cfg.KeyPrefix), nil
	case db != nil:
		store := persistence.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return persistence.NewMemoryStore(), nil
	}
}

// Start launches the background workers. They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.Hub != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			a.Hub.Run(ctx)
		}()
	}
	if a.pushWorker != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.pushWorker.Start(ctx); err != nil {
				a.log.WithError(err).Error("push worker stopped")
			}
		}()
	}
}

// Close waits for queued events to be delivered (bounded by ctx), stops the
// workers started by Start and releases every backend.
func (a *App) Close(ctx context.Context) error {
	if err := a.Bus.WaitIdle(ctx); err != nil {
		a.log.WithError(err).Warn("shutting down with undelivered events")
	}
	a.workers.Wait()
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
