package redis

import (
	"log/slog"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/storage"
)

// Config holds the options for connecting to redis, single node or sentinel.
type Config struct {
	Addrs            []string `json:"addrs" yaml:"addrs"`
	Password         string   `json:"password" yaml:"password"`
	SentinelPassword string   `json:"sentinel_password" yaml:"sentinel_password"`
	MasterName       string   `json:"master_name" yaml:"master_name"`
	DB               int      `json:"db" yaml:"db"`
}

// Open returns a redis-backed storage.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return c.open(logger), nil
}

func (c *Config) open(logger *slog.Logger) *client {
	opts := &redisv9.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
		DB:               c.DB,
	}
	return &client{
		db:     redisv9.NewUniversalClient(opts),
		logger: logger,
	}
}
