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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

func TestLocalLeaser(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	l := NewLocalLeaser()

	release, err := l.TryAcquire(ctx, "contoso")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryAcquire(ctx, "contoso"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second TryAcquire got %v, want ErrHeld", err)
	}

	// Unrelated tenants never contend.
	other, err := l.TryAcquire(ctx, "fabrikam")
	if err != nil {
		t.Fatal(err)
	}
	other()

	acquired := make(chan func(), 1)
	go func() {
		r, err := l.Acquire(ctx, "contoso")
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while the lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // idempotent
	(<-acquired)()

	if _, err := l.TryAcquire(ctx, "contoso"); err != nil {
		t.Errorf("TryAcquire after release got %v", err)
	}
}

func TestLocalLeaser_AcquireCanceled(t *testing.T) {
	t.Parallel()

	l := NewLocalLeaser()
	if _, err := l.TryAcquire(t.Context(), "contoso"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := l.Acquire(ctx, "contoso"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLeaser_TryAcquire(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mr, client := newTestRedis(t)
	clock := quartz.NewMock(t)
	a := NewRedisLeaser(client, WithClock(clock), WithTTL(30*time.Second))
	b := NewRedisLeaser(client, WithClock(clock), WithTTL(30*time.Second))

	release, err := a.TryAcquire(ctx, "contoso")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mr.TTL(DefaultKeyPrefix+"contoso"), 30*time.Second; got != want {
		t.Errorf("lease ttl got %s, want %s", got, want)
	}
	if _, err := b.TryAcquire(ctx, "contoso"); !errors.Is(err, ErrHeld) {
		t.Fatalf("TryAcquire from second leaser got %v, want ErrHeld", err)
	}

	// The holder stalls past its TTL and another run takes over.
	mr.FastForward(31 * time.Second)
	releaseB, err := b.TryAcquire(ctx, "contoso")
	if err != nil {
		t.Fatalf("TryAcquire after expiry got %v", err)
	}

	// A late release from the previous holder must not free the new lease.
	release()
	if !mr.Exists(DefaultKeyPrefix + "contoso") {
		t.Errorf("stale release removed another holder's lease")
	}

	releaseB()
	if mr.Exists(DefaultKeyPrefix + "contoso") {
		t.Errorf("lease key still exists after release")
	}
}

func TestRedisLeaser_Refresh(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mr, client := newTestRedis(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTicker("lease", "refresh")
	defer trap.Close()
	l := NewRedisLeaser(client, WithClock(clock), WithTTL(30*time.Second))

	acquired := make(chan func(), 1)
	go func() {
		release, err := l.TryAcquire(ctx, "contoso")
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		acquired <- release
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	release, ok := <-acquired
	if !ok {
		t.FailNow()
	}
	defer release()

	mr.FastForward(20 * time.Second)
	clock.Advance(10 * time.Second).MustWait(ctx)

	key := DefaultKeyPrefix + "contoso"
	deadline := time.Now().Add(5 * time.Second)
	for mr.TTL(key) != 30*time.Second {
		if time.Now().After(deadline) {
			t.Fatalf("lease ttl got %s, want refreshed to 30s", mr.TTL(key))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRedisLeaser_AcquireWaits(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	_, client := newTestRedis(t)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("lease", "poll")
	defer trap.Close()
	l := NewRedisLeaser(client, WithClock(clock), WithTTL(30*time.Second))

	first, err := l.TryAcquire(ctx, "contoso")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		release, err := l.Acquire(ctx, "contoso")
		if err == nil {
			release()
		}
		acquired <- err
	}()

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	first()
	clock.Advance(call.Duration).MustWait(ctx)

	if err := <-acquired; err != nil {
		t.Errorf("Acquire got %v", err)
	}
}

func TestLeaser_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	_, client := newTestRedis(t)
	leasers := map[string]Leaser{
		"local": NewLocalLeaser(),
		"redis": NewRedisLeaser(client, WithTTL(30*time.Second)),
	}

	for name, l := range leasers {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			release, err := l.TryAcquire(ctx, "contoso")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := l.TryAcquire(ctx, "contoso"); !errors.Is(err, ErrHeld) {
				t.Errorf("second TryAcquire got %v, want ErrHeld", err)
			}
			release()
			release()

			again, err := l.Acquire(ctx, "contoso")
			if err != nil {
				t.Fatalf("Acquire after release got %v", err)
			}
			again()
		})
	}
}
