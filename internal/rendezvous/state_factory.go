package rendezvous

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/natpunch/internal/obs"
)

// StoreConfig selects the registration backend.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// KeyTTL bounds how long Redis keeps a registration nobody refreshes.
	KeyTTL time.Duration
}

// NewStateStore creates either an in-memory or Redis-backed state store.
func NewStateStore(ctx context.Context, cfg StoreConfig) (StateStore, error) {
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return NewRedisStore(ctx, &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, cfg.KeyTTL)
}
