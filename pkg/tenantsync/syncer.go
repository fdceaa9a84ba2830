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

package tenantsync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/tenant-sync/pkg/apierror"
	"github.com/abcxyz/tenant-sync/pkg/credentials"
	"github.com/abcxyz/tenant-sync/pkg/graph"
	"github.com/abcxyz/tenant-sync/pkg/lease"
	"github.com/abcxyz/tenant-sync/pkg/report"
	"github.com/abcxyz/tenant-sync/pkg/tokenbroker"
)

// DefaultConcurrency bounds per-record fan-out within a stage.
const DefaultConcurrency = 8

// Opt configures a Syncer.
type Opt func(s *Syncer)

// WithConcurrency sets how many records of a stage are processed at once.
// Values below one use runtime.NumCPU.
func WithConcurrency(n int) Opt {
	return func(s *Syncer) {
		if n < 1 {
			n = runtime.NumCPU()
		}
		s.concurrency = n
	}
}

// WithLeaser sets the per-tenant lease provider.
func WithLeaser(l lease.Leaser) Opt {
	return func(s *Syncer) {
		s.leaser = l
	}
}

// WithLeaseWait makes a run wait for a held tenant lease instead of failing
// with lease.ErrHeld.
func WithLeaseWait(wait bool) Opt {
	return func(s *Syncer) {
		s.waitForLease = wait
	}
}

// WithClock sets the clock used for result timestamps.
func WithClock(clock quartz.Clock) Opt {
	return func(s *Syncer) {
		s.clock = clock
	}
}

// Syncer runs sync stages for tenants. It is safe to run different tenants
// concurrently; runs for the same tenant are serialized by a lease.
type Syncer struct {
	credentials  credentials.Store
	secrets      credentials.SecretProvider
	broker       *tokenbroker.Broker
	client       *graph.Client
	store        Store
	leaser       lease.Leaser
	clock        quartz.Clock
	concurrency  int
	waitForLease bool
}

// NewSyncer creates a Syncer. The broker is meant to be shared by every
// Syncer in the process.
func NewSyncer(
	creds credentials.Store,
	secrets credentials.SecretProvider,
	broker *tokenbroker.Broker,
	client *graph.Client,
	store Store,
	opts ...Opt,
) *Syncer {
	s := &Syncer{
		credentials: creds,
		secrets:     secrets,
		broker:      broker,
		client:      client,
		store:       store,
		leaser:      lease.NewLocalLeaser(),
		clock:       quartz.NewReal(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tenant is a resolved tenant reference.
type tenant struct {
	id string
	ts graph.TokenSource
}

func (s *Syncer) resolve(ctx context.Context, tenantRef string) (*tenant, error) {
	cred, err := s.credentials.Credential(ctx, tenantRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant %s: %w", tenantRef, err)
	}
	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credential for tenant %s: %w", tenantRef, err)
	}
	secret, err := s.secrets.Secret(ctx, cred.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secret for tenant %s: %w", tenantRef, err)
	}
	return &tenant{
		id: cred.TenantID,
		ts: s.broker.TokenSource(&tokenbroker.TokenRequest{
			TenantID:  cred.TenantID,
			AppID:     cred.AppID,
			Secret:    secret,
			Authority: cred.Authority,
		}),
	}, nil
}

// SyncDirectory upserts every directory member of the tenant.
func (s *Syncer) SyncDirectory(ctx context.Context, tenantRef string) (*StageResult, error) {
	return s.runOne(ctx, tenantRef, StageDirectory, "")
}

// SyncLicenses upserts the license assignments of every known member.
func (s *Syncer) SyncLicenses(ctx context.Context, tenantRef string) (*StageResult, error) {
	return s.runOne(ctx, tenantRef, StageLicenses, "")
}

// SyncUsage upserts merged usage for every known member for period.
func (s *Syncer) SyncUsage(ctx context.Context, tenantRef string, period report.Period) (*StageResult, error) {
	return s.runOne(ctx, tenantRef, StageUsage, period)
}

func (s *Syncer) runOne(ctx context.Context, tenantRef string, stage Stage, period report.Period) (*StageResult, error) {
	res, err := s.Run(ctx, tenantRef, period, stage)
	if err != nil {
		return nil, err
	}
	if sr := res.Stage(stage); sr != nil {
		return sr, nil
	}
	// Only cancellation before the stage started gets here.
	return nil, fmt.Errorf("stage %s did not run: %w", stage, context.Cause(ctx))
}

// Run executes the given stages, or all of them when none are given, in
// stage order under one tenant lease. A stage that aborts does not stop the
// stages after it. Errors are returned only when the run could not start;
// everything that happened afterwards is described by the result.
func (s *Syncer) Run(ctx context.Context, tenantRef string, period report.Period, stages ...Stage) (*RunResult, error) {
	stages, err := normalizeStages(stages)
	if err != nil {
		return nil, err
	}
	if slices.Contains(stages, StageUsage) && !period.Valid() {
		return nil, fmt.Errorf("%w %q", report.ErrInvalidPeriod, period)
	}

	t, err := s.resolve(ctx, tenantRef)
	if err != nil {
		return nil, err
	}

	acquire := s.leaser.TryAcquire
	if s.waitForLease {
		acquire = s.leaser.Acquire
	}
	release, err := acquire(ctx, t.id)
	if err != nil {
		return nil, fmt.Errorf("failed to lease tenant %s: %w", t.id, err)
	}
	defer release()

	res := &RunResult{
		RunID:     uuid.New(),
		TenantID:  t.id,
		StartedAt: s.clock.Now(),
	}
	logger := logging.FromContext(ctx).With(
		"tenant_id", t.id,
		"run_id", res.RunID.String(),
	)
	ctx = logging.WithLogger(ctx, logger)
	logger.InfoContext(ctx, "starting sync run", "stages", stages)

	for _, stage := range stages {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "sync run canceled", "remaining_stage", stage)
			break
		}
		res.Stages = append(res.Stages, s.runStage(ctx, t, stage, period))
	}
	res.CompletedAt = s.clock.Now()

	logger.InfoContext(ctx, "finished sync run",
		"outcome", res.Outcome(),
		"duration", res.CompletedAt.Sub(res.StartedAt).String(),
	)
	return res, nil
}

func (s *Syncer) runStage(ctx context.Context, t *tenant, stage Stage, period report.Period) *StageResult {
	logger := logging.FromContext(ctx).With("stage", stage)
	ctx = logging.WithLogger(ctx, logger)
	logger.InfoContext(ctx, "starting stage")

	tl := &tally{r: &StageResult{Stage: stage, StartedAt: s.clock.Now()}}
	var err error
	switch stage {
	case StageDirectory:
		err = s.syncDirectory(ctx, t, tl)
	case StageLicenses:
		err = s.syncLicenses(ctx, t, tl)
	case StageUsage:
		err = s.syncUsage(ctx, t, period, tl)
	}

	sr := tl.r
	sr.CompletedAt = s.clock.Now()
	if err != nil {
		sr.Err = err
		sr.ErrorMessage = err.Error()
		logger.ErrorContext(ctx, "stage aborted",
			"processed", sr.Processed,
			"failed", sr.Failed,
			"error", err,
		)
		return sr
	}
	logger.InfoContext(ctx, "finished stage",
		"outcome", sr.Outcome(),
		"processed", sr.Processed,
		"created", sr.Created,
		"updated", sr.Updated,
		"failed", sr.Failed,
		"skipped", sr.Skipped,
	)
	return sr
}

func normalizeStages(stages []Stage) ([]Stage, error) {
	if len(stages) == 0 {
		return Stages, nil
	}
	for _, s := range stages {
		if !slices.Contains(Stages, s) {
			return nil, fmt.Errorf("unknown stage %q", s)
		}
	}
	out := make([]Stage, 0, len(Stages))
	for _, s := range Stages {
		if slices.Contains(stages, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// tally accumulates a stage result from concurrent workers.
type tally struct {
	mu sync.Mutex
	r  *StageResult
}

func (t *tally) upserted(created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Processed++
	if created {
		t.r.Created++
	} else {
		t.r.Updated++
	}
}

func (t *tally) failed(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Processed++
	t.r.Failed++
	t.r.Errors = append(t.r.Errors, &RecordError{Key: key, Message: err.Error()})
}

func (t *tally) skipped(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Processed += n
	t.r.Skipped += n
}

// isolate records err against key and returns nil, unless err must stop the
// stage, in which case it is returned.
func (t *tally) isolate(ctx context.Context, key string, err error) error {
	if apierror.IsStageFatal(err) || ctx.Err() != nil {
		return err
	}
	logging.FromContext(ctx).WarnContext(ctx, "record failed",
		"key", key,
		"error", err,
	)
	t.failed(key, err)
	return nil
}

// forEach runs fn over items on at most limit goroutines. fn records
// per-record failures itself and returns only errors that stop the stage;
// the first such error is returned.
func forEach[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err //nolint:wrapcheck // Want passthrough
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	return nil
}

// retryAuth calls fn, and calls it once more when the platform rejected the
// token it used. The client has already dropped that token by then.
func retryAuth(ctx context.Context, fn func() error) error {
	err := fn()
	var aerr *apierror.AuthError
	if errors.As(err, &aerr) && aerr.TokenRejected() {
		logging.FromContext(ctx).WarnContext(ctx, "token rejected, retrying with a new token",
			"op", aerr.Op,
			"status", aerr.StatusCode,
		)
		return fn()
	}
	return err
}
