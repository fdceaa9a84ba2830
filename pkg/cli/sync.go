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

// Package cli implements the tenantsync commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/tenant-sync/apis/v1alpha1"
	"github.com/abcxyz/tenant-sync/pkg/credentials"
	"github.com/abcxyz/tenant-sync/pkg/graph"
	"github.com/abcxyz/tenant-sync/pkg/lease"
	"github.com/abcxyz/tenant-sync/pkg/report"
	"github.com/abcxyz/tenant-sync/pkg/store"
	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
	"github.com/abcxyz/tenant-sync/pkg/tokenbroker"
)

var (
	_ cli.Command           = (*SyncCommand)(nil)
	_ v1alpha1.TenantSyncer = (*tenantsync.Syncer)(nil)
)

type SyncCommand struct {
	cli.BaseCommand

	graphConfig  graph.ClientConfig
	brokerConfig tokenbroker.Config

	tenants         []string
	period          string
	stages          []string
	credentialsFile string
	secretCacheTTL  time.Duration
	concurrency     int
	waitForLease    bool
	leaseTTL        time.Duration
	redisAddr       string
	postgresURL     string
	metricsFile     string
}

func (c *SyncCommand) Desc() string {
	return `Sync directory members, licenses and usage for tenants`
}

func (c *SyncCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Sync directory members, license assignments and usage reports from the
  platform into the store for one or more tenants.

  Sync every stage for one tenant:

    tenantsync sync \
      -tenant contoso \
      -credentials-file tenants.json \
      -postgres-url postgres://localhost/tenantsync

  Sync only usage for two tenants over 28 days:

    tenantsync sync -tenant contoso -tenant fabrikam -stage usage -period D28
`
}

func (c *SyncCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()

	f := set.NewSection("COMMAND OPTIONS")

	f.StringSliceVar(&cli.StringSliceVar{
		Name:    "tenant",
		Target:  &c.tenants,
		Aliases: []string{"t"},
		Example: "contoso",
		Usage:   `Tenant reference to sync. May be repeated.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "period",
		Target:  &c.period,
		Default: string(report.PeriodD7),
		Example: "D28",
		Usage:   `Usage report period, one of D7, D28, D90 or D180.`,
	})

	f.StringSliceVar(&cli.StringSliceVar{
		Name:    "stage",
		Target:  &c.stages,
		Example: "directory",
		Usage: `Stage to run, one of directory, licenses or usage. May be ` +
			`repeated. All stages run when unset.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "credentials-file",
		EnvVar:  "TENANTSYNC_CREDENTIALS_FILE",
		Target:  &c.credentialsFile,
		Example: "tenants.json",
		Usage: `JSON file mapping tenant references to tenant_id, app_id and ` +
			`secret_ref. Secrets are read from the environment variable named ` +
			`by secret_ref.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "secret-cache-ttl",
		Target:  &c.secretCacheTTL,
		Default: 5 * time.Minute,
		Usage:   `How long resolved secrets are cached.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "concurrency",
		EnvVar:  "TENANTSYNC_CONCURRENCY",
		Target:  &c.concurrency,
		Default: tenantsync.DefaultConcurrency,
		Usage:   `Records processed at once within a stage.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "wait-for-lease",
		Target:  &c.waitForLease,
		Default: false,
		Usage:   `Wait for a running sync of the same tenant instead of failing.`,
	})

	f = set.NewSection("STORAGE OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "postgres-url",
		EnvVar:  "TENANTSYNC_POSTGRES_URL",
		Target:  &c.postgresURL,
		Example: "postgres://localhost:5432/tenantsync",
		Usage:   `Database to store synced records in. Records are kept in memory when unset.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "redis-addr",
		EnvVar:  "TENANTSYNC_REDIS_ADDR",
		Target:  &c.redisAddr,
		Example: "localhost:6379",
		Usage: `Redis server holding tenant leases, so that syncs of one tenant ` +
			`are serialized across processes. Leases are process-local when unset.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "lease-ttl",
		Target:  &c.leaseTTL,
		Default: lease.DefaultTTL,
		Usage:   `How long a Redis lease outlives a crashed holder.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "metrics-file",
		EnvVar:  "TENANTSYNC_METRICS_FILE",
		Target:  &c.metricsFile,
		Example: "/var/lib/node_exporter/tenantsync.prom",
		Usage:   `Write request metrics in the Prometheus text format to this file after the run.`,
	})

	c.graphConfig.RegisterFlags(set)
	c.brokerConfig.RegisterFlags(set)

	set.AfterParse(func(merr error) error {
		if len(c.tenants) == 0 {
			merr = errors.Join(merr, fmt.Errorf("-tenant is required"))
		}
		if c.credentialsFile == "" {
			merr = errors.Join(merr, fmt.Errorf("-credentials-file is required"))
		}
		return merr
	})

	return set
}

func (c *SyncCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	period, err := report.ParsePeriod(c.period)
	if err != nil {
		return err //nolint:wrapcheck // Want passthrough
	}
	stages := make([]tenantsync.Stage, 0, len(c.stages))
	for _, s := range c.stages {
		stages = append(stages, tenantsync.Stage(strings.ToLower(strings.TrimSpace(s))))
	}

	creds, err := credentials.LoadFile(c.credentialsFile)
	if err != nil {
		return err //nolint:wrapcheck // Want passthrough
	}
	secrets := credentials.NewCachedSecretProvider(&credentials.EnvSecretProvider{}, c.secretCacheTTL)

	st, closeStore, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []tenantsync.Opt{
		tenantsync.WithConcurrency(c.concurrency),
		tenantsync.WithLeaseWait(c.waitForLease),
	}
	if c.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", c.redisAddr, err)
		}
		opts = append(opts, tenantsync.WithLeaser(lease.NewRedisLeaser(rdb, lease.WithTTL(c.leaseTTL))))
	}

	registry := prometheus.NewRegistry()
	broker := tokenbroker.New(c.brokerConfig.Opts()...)
	client := graph.NewClient(&c.graphConfig, graph.WithMetrics(graph.NewMetrics(registry)))
	syncer := tenantsync.NewSyncer(creds, secrets, broker, client, st, opts...)

	results, runErr := c.runTenants(ctx, syncer, period, stages)

	enc := json.NewEncoder(c.Stdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	if c.metricsFile != "" {
		if err := prometheus.WriteToTextfile(c.metricsFile, registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return runErr
}

// runOutput is the printed result of one tenant run.
type runOutput struct {
	*tenantsync.RunResult
	TenantRef string             `json:"tenant_ref"`
	Outcome   tenantsync.Outcome `json:"outcome"`
}

// runTenants syncs each tenant concurrently. Tenants that could not start are
// reported in the returned error and left out of the results.
func (c *SyncCommand) runTenants(ctx context.Context, syncer v1alpha1.TenantSyncer, period report.Period, stages []tenantsync.Stage) ([]*runOutput, error) {
	logger := logging.FromContext(ctx)

	var (
		mu      sync.Mutex
		results = make([]*runOutput, len(c.tenants))
		merr    error
	)
	var g errgroup.Group
	for i, ref := range c.tenants {
		g.Go(func() error {
			res, err := syncer.Run(ctx, ref, period, stages...)
			if err != nil {
				logger.ErrorContext(ctx, "sync run did not start", "tenant_ref", ref, "error", err)
				mu.Lock()
				merr = errors.Join(merr, fmt.Errorf("tenant %s: %w", ref, err))
				mu.Unlock()
				return nil
			}
			results[i] = &runOutput{RunResult: res, TenantRef: ref, Outcome: res.Outcome()}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*runOutput, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, merr
}

func (c *SyncCommand) openStore(ctx context.Context) (tenantsync.Store, func(), error) {
	if c.postgresURL == "" {
		logging.FromContext(ctx).WarnContext(ctx, "no database configured, records are kept in memory")
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPostgresStore(ctx, c.postgresURL)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // Want passthrough
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err //nolint:wrapcheck // Want passthrough
	}
	return pg, pg.Close, nil
}
