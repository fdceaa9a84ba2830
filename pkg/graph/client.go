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

// Package graph is the resilient HTTP client for the tenant directory
// platform. Every upstream call goes through Client.Request, which owns the
// throttling, transport retry and auth failure policy.
package graph

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"

	"github.com/abcxyz/pkg/cli"
)

const (
	DefaultAPIBase        = "https://graph.microsoft.com/v1.0"
	DefaultPageSize       = 999
	DefaultMaxPages       = 1000
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 32 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// TokenSource supplies bearer tokens for one tenant.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops the current token after the platform rejected it.
	Invalidate()
}

// ClientConfig is the config for the graph client.
type ClientConfig struct {
	APIBase  string
	PageSize int
	MaxPages int
	// MaxAttempts bounds the throttling and transport budgets independently.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

func (c *ClientConfig) RegisterFlags(set *cli.FlagSet) {
	f := set.NewSection("GRAPH OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "graph-api-base",
		EnvVar:  "TENANTSYNC_GRAPH_API_BASE",
		Target:  &c.APIBase,
		Default: DefaultAPIBase,
		Usage:   `Base URL of the directory API, example: "https://graph.microsoft.com/v1.0"`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "page-size",
		Target:  &c.PageSize,
		Default: DefaultPageSize,
		Usage:   `Records requested per page, at most 999`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-pages",
		Target:  &c.MaxPages,
		Default: DefaultMaxPages,
		Usage:   `Upper bound on pages fetched for one collection`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-attempts",
		Target:  &c.MaxAttempts,
		Default: DefaultMaxAttempts,
		Usage:   `Attempts allowed per request for throttling and for transport failures`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "initial-backoff",
		Target:  &c.InitialBackoff,
		Default: DefaultInitialBackoff,
		Usage:   `First backoff delay`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "max-backoff",
		Target:  &c.MaxBackoff,
		Default: DefaultMaxBackoff,
		Usage:   `Ceiling for any single backoff delay, including Retry-After`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "request-timeout",
		Target:  &c.RequestTimeout,
		Default: DefaultRequestTimeout,
		Usage:   `Timeout for a single HTTP attempt`,
	})

	set.AfterParse(func(merr error) error {
		// In case TENANTSYNC_GRAPH_API_BASE is exported as an empty string.
		if c.APIBase == "" {
			c.APIBase = DefaultAPIBase
		}
		return merr
	})
}

func (c *ClientConfig) withDefaults() *ClientConfig {
	out := *c
	if out.APIBase == "" {
		out.APIBase = DefaultAPIBase
	}
	if out.PageSize < 1 || out.PageSize > DefaultPageSize {
		out.PageSize = DefaultPageSize
	}
	if out.MaxPages < 1 {
		out.MaxPages = DefaultMaxPages
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = max(DefaultMaxBackoff, out.InitialBackoff)
	}
	return &out
}

// Opt configures a Client.
type Opt func(c *Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock sets the clock used for backoff sleeps.
func WithClock(clock quartz.Clock) Opt {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithMetrics sets the metrics the client records into.
func WithMetrics(m *Metrics) Opt {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client performs authenticated calls against the directory API. It is safe
// for concurrent use and holds no per-tenant state.
type Client struct {
	cfg        *ClientConfig
	httpClient *http.Client
	clock      quartz.Clock
	metrics    *Metrics
}

// NewClient creates a Client from cfg.
func NewClient(cfg *ClientConfig, opts ...Opt) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		clock:      quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}
