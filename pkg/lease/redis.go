// Copyright 2026 The Authors (see AUTHORS file)
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

package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/abcxyz/pkg/logging"
)

const (
	DefaultTTL         = 2 * time.Minute
	DefaultKeyPrefix   = "tenantsync:lease:"
	defaultPollInitial = 500 * time.Millisecond
	defaultPollMax     = 10 * time.Second
	releaseTimeout     = 5 * time.Second
)

// Both scripts only touch the key while it still holds the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOpt configures a RedisLeaser.
type RedisOpt func(l *RedisLeaser)

// WithTTL sets how long a lease survives without a refresh.
func WithTTL(ttl time.Duration) RedisOpt {
	return func(l *RedisLeaser) {
		l.ttl = ttl
	}
}

// WithKeyPrefix sets the prefix of lease keys.
func WithKeyPrefix(prefix string) RedisOpt {
	return func(l *RedisLeaser) {
		l.prefix = prefix
	}
}

// WithClock sets the clock driving refreshes and polling.
func WithClock(clock quartz.Clock) RedisOpt {
	return func(l *RedisLeaser) {
		l.clock = clock
	}
}

// RedisLeaser is a Leaser shared by every process talking to the same Redis.
// A held lease is refreshed every third of its TTL until released, so a
// crashed holder frees the tenant after at most one TTL.
type RedisLeaser struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  quartz.Clock
}

func NewRedisLeaser(client redis.UniversalClient, opts ...RedisOpt) *RedisLeaser {
	l := &RedisLeaser{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLeaser) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	return l.hold(ctx, key, token), nil
}

var (
	_ Leaser        = (*RedisLeaser)(nil)
	_ backoff.Clock = backoffClock{}
)

// backoffClock adapts a quartz.Clock, whose Now takes tags, to backoff.Clock.
type backoffClock struct {
	quartz.Clock
}

func (c backoffClock) Now() time.Time {
	return c.Clock.Now()
}

func (l *RedisLeaser) Acquire(ctx context.Context, key string) (func(), error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(defaultPollInitial),
		backoff.WithMaxInterval(defaultPollMax),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(backoffClock{l.clock}),
	)
	for {
		release, err := l.TryAcquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}

		t := l.clock.NewTimer(b.NextBackOff(), "lease", "poll")
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("waiting for lease %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}

// hold keeps the lease alive until the returned function is called.
func (l *RedisLeaser) hold(ctx context.Context, key, token string) func() {
	logger := logging.FromContext(ctx).With("lease", key)
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticker := l.clock.NewTicker(l.ttl/3, "lease", "refresh")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
			}
			n, err := refreshScript.Run(refreshCtx, l.client, []string{l.prefix + key}, token, l.ttl.Milliseconds()).Int64()
			switch {
			case err != nil && refreshCtx.Err() == nil:
				logger.WarnContext(refreshCtx, "failed to refresh lease", "error", err)
			case err == nil && n == 0:
				logger.WarnContext(refreshCtx, "lease lost before release")
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()

			releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer done()
			if err := releaseScript.Run(releaseCtx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
				logger.WarnContext(releaseCtx, "failed to release lease", "error", err)
			}
		})
	}
}
