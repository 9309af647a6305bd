package bootstrap

import (
	"context"
	"fmt"
	"log"

	"realtime-bindings/internal/config"
	"realtime-bindings/internal/handler"
	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/internal/session"
	"realtime-bindings/pkg/db"
	"realtime-bindings/pkg/reactor/bus"
	"realtime-bindings/pkg/reactor/memreactor"

	"github.com/redis/go-redis/v9"
)

type Container struct {
	Logger  logger.ILogger
	Reactor *memreactor.Reactor
	DB      *db.Database
	Hub     *session.Hub

	RealtimeHandler *handler.RealtimeHandler

	rdb *redis.Client
	bus bus.Bus
}

func NewContainer(cfg *config.Config) (*Container, error) {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.IsProduction())
	sessionLogger := logger.NewIsolatedLogger(cfg.App.SessionLogPath)

	c := &Container{Logger: sysLogger}

	if cfg.Reactor.Bus == config.BusRedis || cfg.Reactor.LocalIDStore == "redis" {
		c.rdb = newRedis(cfg.Reactor.RedisURL)
	}

	roomBus, err := newBus(cfg, c.rdb, sysLogger)
	if err != nil {
		return nil, err
	}
	c.bus = roomBus

	var localIDs memreactor.LocalIDStore
	if cfg.Reactor.LocalIDStore == "redis" {
		localIDs = memreactor.NewRedisLocalIDStore(c.rdb, cfg.Reactor.AppID)
	}

	c.Reactor = memreactor.New(memreactor.Options{
		AppID:     cfg.Reactor.AppID,
		Bus:       roomBus,
		LocalIDs:  localIDs,
		Logger:    sysLogger,
		ResultTTL: cfg.Reactor.ResultTTL,
	})
	c.DB = db.New(c.Reactor, sysLogger)
	c.Hub = session.NewHub(c.DB, sessionLogger)
	c.RealtimeHandler = handler.NewRealtimeHandler(c.DB, c.Hub, handler.Options{
		Logger:        sysLogger,
		SessionLogger: sessionLogger,
		JWTSecret:     cfg.Auth.JWTSecret,
		TypingTimeout: cfg.Typing.StopTimeout,
	})

	log.Printf("[INFO] Reactor %q using %s room bus", cfg.Reactor.AppID, cfg.Reactor.Bus)
	return c, nil
}

func newRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v", err)
	}
	return rdb
}

func newBus(cfg *config.Config, rdb *redis.Client, log logger.ILogger) (bus.Bus, error) {
	switch cfg.Reactor.Bus {
	case config.BusGoChannel, "":
		return bus.NewGoChannelBus(log), nil
	case config.BusRedis:
		return bus.NewRedisBus(rdb, log), nil
	case config.BusNats:
		b, err := bus.NewNatsBus(cfg.Reactor.NatsURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats bus: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown room bus %q", cfg.Reactor.Bus)
}

// Start brings the reactor online and runs the session hub until ctx is done.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Reactor.Start(ctx); err != nil {
		return err
	}
	go c.Hub.Run(ctx)
	return nil
}

// Close stops the reactor and releases the bus and Redis client.
func (c *Container) Close() error {
	err := c.Reactor.Close()
	if c.bus != nil {
		if cerr := c.bus.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if c.rdb != nil {
		if cerr := c.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = c.Logger.Sync()
	return err
}
