package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/uglyemail-go/background"
	"github.com/glimte/uglyemail-go/config"
	"github.com/glimte/uglyemail-go/store"
	"github.com/glimte/uglyemail-go/trackers"
	"github.com/glimte/uglyemail-go/transport"
	"github.com/glimte/uglyemail-go/transport/amqp"
	"github.com/glimte/uglyemail-go/transport/websocket"
	"github.com/redis/go-redis/v9"
)

type closeFunc func() error

func noClose() error { return nil }

func newRegistry(cfg config.Config, logger *slog.Logger) *trackers.Registry {
	src := trackers.Embedded()
	if cfg.Trackers.Signatures != "" {
		src = trackers.File(cfg.Trackers.Signatures)
	}
	return trackers.New(
		trackers.WithSource(src),
		trackers.WithLogger(logger.With("component", "trackers")),
	)
}

func dialRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb, err := store.Dial(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.RedisAddr, err)
	}
	return rdb, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, closeFunc, error) {
	if cfg.Store.Kind != config.StoreRedis {
		return store.NewMemory(), noClose, nil
	}
	rdb, err := dialRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedis(rdb, store.WithKeyPrefix(cfg.Store.Prefix)), rdb.Close, nil
}

func openRuleSet(ctx context.Context, cfg config.Config) (background.RuleSet, closeFunc, error) {
	if cfg.Store.Kind != config.StoreRedis {
		return background.NewMemoryRuleSet(), noClose, nil
	}
	rdb, err := dialRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedisRules(rdb, store.WithKeyPrefix(cfg.Store.Prefix)), rdb.Close, nil
}

func connectAMQP(ctx context.Context, cfg config.Config, logger *slog.Logger) (*amqp.ConnectionManager, error) {
	cm := amqp.NewConnectionManager(cfg.Transport.AMQPURL, amqp.WithLogger(logger.With("component", "amqp")))
	if err := cm.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", amqp.SanitizeURL(cfg.Transport.AMQPURL), err)
	}
	return cm, nil
}

func newDialer(ctx context.Context, cfg config.Config, logger *slog.Logger) (transport.Dialer, closeFunc, error) {
	switch cfg.Transport.Kind {
	case config.TransportAMQP:
		cm, err := connectAMQP(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return amqp.NewDialer(cm, amqp.WithDialerLogger(logger)), cm.Close, nil
	default:
		return websocket.NewDialer(cfg.Transport.ServerURL, websocket.WithDialerLogger(logger)), noClose, nil
	}
}
