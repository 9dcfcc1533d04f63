// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/sid2001/FileVault/pkg/config"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ProvideLimiter builds the limiter selected by ratelimit.type. A nil
// limiter disables rate limiting.
func ProvideLimiter(cfg *config.Config, log logr.Logger) (Limiter, func(), error) {
	rl := cfg.RateLimit
	switch rl.Type {
	case "", "none":
		return nil, func() {}, nil
	case "local":
		return NewLocal(rl.RPS, rl.Burst), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: rl.RedisAddress})
		limiter := NewRedis(client, rl.RPS, rl.Burst, log)
		return limiter, func() {
			if err := client.Close(); err != nil {
				log.Error(err, "failed to close redis client")
			}
		}, nil
	}
	return nil, nil, errors.Errorf("unsupported ratelimit type: %s", rl.Type)
}

// Local keeps one token bucket per key in process memory.
type Local struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*localEntry
	ttl      time.Duration
	lastGC   time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocal(rps float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: map[string]*localEntry{},
		ttl:      10 * time.Minute,
		lastGC:   time.Now(),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.gc(now)
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1), nil
}

// gc drops idle keys. Called with mu held.
func (l *Local) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.ttl {
		return
	}
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.ttl {
			delete(l.limiters, key)
		}
	}
	l.lastGC = now
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Redis counts requests per key in fixed one second windows shared by every
// replica. Each window admits rps plus burst requests.
type Redis struct {
	client *redis.Client
	max    int64
	window time.Duration
	prefix string
	log    logr.Logger
}

func NewRedis(client *redis.Client, rps float64, burst int, log logr.Logger) *Redis {
	max := int64(rps) + int64(burst)
	if max <= 0 {
		max = 1
	}
	return &Redis{
		client: client,
		max:    max,
		window: time.Second,
		prefix: "filevault:ratelimit:",
		log:    log.WithName("ratelimit"),
	}
}

func (r *Redis) windowKey(key string, now time.Time) string {
	return r.prefix + key + ":" + now.Truncate(r.window).UTC().Format("20060102T150405")
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := r.windowKey(key, time.Now())

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, 2*r.window)
		return nil
	})
	if err != nil {
		return false, errors.WrapIfWithDetails(err, "failed to count request", "key", key)
	}

	count := incr.Val()
	if count > r.max {
		r.log.V(1).Info("rate limited", "key", key, "count", count)
		return false, nil
	}
	return true, nil
}
