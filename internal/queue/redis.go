package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisDispatcher pushes jobs onto one Redis list per supplier.
type RedisDispatcher struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisDispatcher connects to addr and verifies the connection.
func NewRedisDispatcher(ctx context.Context, addr, prefix string) (*RedisDispatcher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if prefix == "" {
		prefix = "holdings:queue"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisDispatcher{rdb: rdb, prefix: prefix}, nil
}

// Key returns the list a supplier's jobs are pushed to.
func (d *RedisDispatcher) Key(supplier string) string {
	return d.prefix + ":" + supplier
}

func (d *RedisDispatcher) Enqueue(ctx context.Context, job Job) error {
	if d == nil || d.rdb == nil {
		return fmt.Errorf("redis dispatcher not initialized")
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := d.rdb.RPush(ctx, d.Key(job.Supplier), raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", d.Key(job.Supplier), err)
	}
	return nil
}

func (d *RedisDispatcher) Close() error {
	if d == nil || d.rdb == nil {
		return nil
	}
	return d.rdb.Close()
}
