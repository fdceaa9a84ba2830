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

// Package lease provides per-tenant advisory leases so that two sync runs for
// the same tenant never overlap.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrHeld is returned by TryAcquire when another holder owns the lease.
var ErrHeld = errors.New("lease is held by another run")

// Leaser hands out exclusive leases by key. Both methods return a release
// function that is safe to call more than once.
type Leaser interface {
	// Acquire blocks until the lease is held or ctx is done.
	Acquire(ctx context.Context, key string) (func(), error)
	// TryAcquire returns ErrHeld instead of waiting.
	TryAcquire(ctx context.Context, key string) (func(), error)
}

var _ Leaser = (*LocalLeaser)(nil)

// LocalLeaser is an in-process Leaser. Keys never contend with each other.
type LocalLeaser struct {
	slots sync.Map // string -> chan struct{}
}

func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{}
}

func (l *LocalLeaser) slot(key string) chan struct{} {
	v, _ := l.slots.LoadOrStore(key, make(chan struct{}, 1))
	return v.(chan struct{}) //nolint:forcetypeassert // Only channels are stored
}

func (l *LocalLeaser) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for lease %s: %w", key, ctx.Err())
	}
}

func (l *LocalLeaser) TryAcquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
