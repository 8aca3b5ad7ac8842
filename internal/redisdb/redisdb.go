// Package redisdb opens the redis client shared by the lock, the key cache and the transfer history.
package redisdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ParseURL accepts host:port as well as redis:// and rediss:// URLs.
func ParseURL(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("redis address is empty")
	}
	// docker-style addresses such as redis:6379
	if !strings.Contains(raw, "//") && !strings.Contains(raw, "@") {
		return &redis.Options{Addr: raw}, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}

// NewClient connects to one address, or to a cluster when several are given, and pings it.
func NewClient(ctx context.Context, addresses []string) (redis.UniversalClient, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseURL(addresses[0])
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		var addrs []string
		var password string
		for _, addr := range addresses {
			opts, err := ParseURL(addr)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, opts.Addr)
			if password == "" {
				password = opts.Password
			}
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs, Password: password})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
