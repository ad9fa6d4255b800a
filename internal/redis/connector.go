// Package redis opens the Redis connection used for browser sessions.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectOptions defines the Redis connection and its retry behavior.
type ConnectOptions struct {
	Addr           string        // Redis address (ex: "localhost:6379")
	Password       string        // Optional password
	DB             int           // Redis DB number
	ConnectTimeout time.Duration // Total time allowed for connection attempts
	RetryInterval  time.Duration // Initial wait between retries, doubled per attempt
	MaxWait        time.Duration // Cap on the wait between retries
	PingTimeout    time.Duration // Timeout for each ping attempt
}

// DefaultConnectOptions returns the retry policy used by the server for addr.
func DefaultConnectOptions(addr, password string, db int) ConnectOptions {
	return ConnectOptions{
		Addr:           addr,
		Password:       password,
		DB:             db,
		ConnectTimeout: 30 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		MaxWait:        5 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

func (o ConnectOptions) validate() error {
	switch {
	case o.Addr == "":
		return fmt.Errorf("redis address is required")
	case o.ConnectTimeout <= 0:
		return fmt.Errorf("ConnectTimeout must be > 0, got %v", o.ConnectTimeout)
	case o.RetryInterval <= 0:
		return fmt.Errorf("RetryInterval must be > 0, got %v", o.RetryInterval)
	case o.MaxWait <= 0:
		return fmt.Errorf("MaxWait must be > 0, got %v", o.MaxWait)
	case o.PingTimeout <= 0:
		return fmt.Errorf("PingTimeout must be > 0, got %v", o.PingTimeout)
	}
	return nil
}

// New creates a Redis client and pings it with exponential backoff until it
// answers or ConnectTimeout runs out.
func New(opts ConnectOptions, log *zap.Logger) (*redis.Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := connectWithRetry(client, opts, log); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

func connectWithRetry(client pinger, opts ConnectOptions, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	log.Info("connecting to redis", zap.String("addr", opts.Addr), zap.Duration("timeout", opts.ConnectTimeout))
	started := time.Now()
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.PingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			log.Info("connected to redis",
				zap.String("addr", opts.Addr),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(started)))
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Error("redis unavailable", zap.String("addr", opts.Addr), zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
			log.Warn("redis connection failed, retrying",
				zap.String("addr", opts.Addr),
				zap.Int("attempt", attempt),
				zap.Duration("next_retry_in", wait),
				zap.Error(err))
			wait *= 2
			if wait > opts.MaxWait {
				wait = opts.MaxWait
			}
		}
	}
}
