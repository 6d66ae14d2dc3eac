package session

import (
	"context"

	"tunnelrpc/internal/logger"
)

// RedisOptions selects the shared user store. An empty Host means in-memory.
type RedisOptions struct {
	Host     string
	Port     string
	Username string
	Password string
	DB       int
}

// NewUserStore returns a Redis-backed store when configured and reachable,
// and an in-memory store otherwise.
func NewUserStore(ctx context.Context, accounts Accounts, opts RedisOptions) UserStore {
	if opts.Host != "" {
		if opts.Port == "" {
			opts.Port = "6379"
		}
		store, err := NewRedisUserStore(ctx, opts, accounts)
		if err != nil {
			logger.Log.WithError(err).Warn("Redis connection failed, falling back to in-memory user store")
			return NewMemoryUserStore(accounts)
		}
		logger.Log.Infof("Using Redis user store: %s:%s", opts.Host, opts.Port)
		return store
	}

	logger.Log.Info("Using in-memory user store")
	return NewMemoryUserStore(accounts)
}
