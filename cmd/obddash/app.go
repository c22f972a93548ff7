package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"obddash/internal/auth"
	"obddash/internal/config"
	"obddash/internal/core"
	"obddash/internal/infra/blob"
	"obddash/internal/infra/blob/s3"
	"obddash/internal/infra/persistence"
	"obddash/internal/ingest"
)

func openStore(ctx context.Context, cfg config.Storage, migrate bool) (persistence.Store, error) {
	store, err := persistence.Open(ctx, persistence.Config{
		Driver:      cfg.Driver,
		Path:        cfg.Path,
		DSN:         cfg.DSN,
		AutoMigrate: migrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func openBlobs(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	store, err := blob.Open(ctx, blob.Config{
		Driver: cfg.Driver,
		Root:   cfg.Root,
		S3: s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			PathStyle:       cfg.PathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", cfg.Driver, err)
	}
	return store, nil
}

// newService builds the core service with the options every command shares.
func newService(store core.Store, cfg config.Config, log *zap.Logger, extra ...core.Option) *core.Service {
	opts := []core.Option{
		core.WithLogger(log),
		core.WithPasswordHasher(auth.NewBcryptHasher(cfg.Auth.BcryptCost)),
	}
	return core.NewService(store, append(opts, extra...)...)
}

// openSessions returns the configured session store and a closer for any
// connection it holds.
func openSessions(ctx context.Context, cfg config.Auth) (auth.SessionStore, func() error, error) {
	if cfg.SessionDriver != "redis" {
		return auth.NewMemorySessionStore(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return auth.NewRedisSessionStore(client, ""), client.Close, nil
}

func ingestConfig(cfg config.MQTT, clientID string) ingest.Config {
	if clientID == "" {
		clientID = cfg.ClientID
	}
	return ingest.Config{
		Broker:         cfg.Broker,
		ClientID:       clientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Prefix:         cfg.TopicPrefix,
		QoS:            cfg.QoS,
		ConnectTimeout: mqttConnectTimeout,
	}
}
