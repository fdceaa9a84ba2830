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

// Package tokenbroker acquires and caches per-tenant access tokens using the
// OAuth2 client-credentials grant.
package tokenbroker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/tenant-sync/pkg/apierror"
	"github.com/abcxyz/tenant-sync/pkg/credentials"
)

const (
	// DefaultExpiryBuffer is how long before expiry a cached token stops
	// being handed out.
	DefaultExpiryBuffer = 5 * time.Minute
	// DefaultScope requests every application permission granted to the app.
	DefaultScope = "https://graph.microsoft.com/.default"
	// DefaultLifetime is assumed when the token endpoint omits expires_in.
	DefaultLifetime = time.Hour
	// DefaultFetchTimeout bounds a single token request.
	DefaultFetchTimeout = 30 * time.Second
)

// Key identifies a cache entry.
type Key struct {
	TenantID string
	AppID    string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.AppID
}

// TokenRequest describes a client-credentials grant for one tenant.
type TokenRequest struct {
	TenantID string
	AppID    string
	Secret   string
	// Scope defaults to the broker's scope.
	Scope string
	// Authority defaults to the broker's authority.
	Authority string
}

func (r *TokenRequest) key() Key {
	return Key{TenantID: r.TenantID, AppID: r.AppID}
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// entry holds the current token for one key. The token is swapped as a
// whole, never modified.
type entry struct {
	token atomic.Pointer[cachedToken]
}

type config struct {
	httpClient   *http.Client
	clock        quartz.Clock
	buffer       time.Duration
	fetchTimeout time.Duration
	scope        string
	authority    string
}

// Opt configures a Broker.
type Opt func(c *config)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(client *http.Client) Opt {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithClock sets the clock used for expiry checks.
func WithClock(clock quartz.Clock) Opt {
	return func(c *config) {
		c.clock = clock
	}
}

// WithExpiryBuffer sets the safety buffer subtracted from token expiry.
func WithExpiryBuffer(buffer time.Duration) Opt {
	return func(c *config) {
		c.buffer = buffer
	}
}

// WithFetchTimeout bounds each request to the token endpoint.
func WithFetchTimeout(d time.Duration) Opt {
	return func(c *config) {
		c.fetchTimeout = d
	}
}

// WithScope sets the default scope.
func WithScope(scope string) Opt {
	return func(c *config) {
		c.scope = scope
	}
}

// WithAuthority sets the default authority.
func WithAuthority(authority string) Opt {
	return func(c *config) {
		c.authority = authority
	}
}

// Broker hands out bearer tokens per (tenant, application), requesting a new
// one only when the cached token is missing or about to expire. Concurrent
// callers for the same key share a single token request. A Broker is meant
// to be created once per process and shared.
type Broker struct {
	httpClient   *http.Client
	clock        quartz.Clock
	buffer       time.Duration
	fetchTimeout time.Duration
	scope        string
	authority    string

	entries sync.Map // Key -> *entry
	flights singleflight.Group
}

// New creates a Broker.
func New(opts ...Opt) *Broker {
	c := &config{
		httpClient:   http.DefaultClient,
		clock:        quartz.NewReal(),
		buffer:       DefaultExpiryBuffer,
		fetchTimeout: DefaultFetchTimeout,
		scope:        DefaultScope,
		authority:    credentials.DefaultAuthority,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Broker{
		httpClient:   c.httpClient,
		clock:        c.clock,
		buffer:       c.buffer,
		fetchTimeout: c.fetchTimeout,
		scope:        c.scope,
		authority:    c.authority,
	}
}

// GetToken returns a usable token for the request's tenant and application.
func (b *Broker) GetToken(ctx context.Context, req *TokenRequest) (string, error) {
	key := req.key()
	e := b.entry(key)
	if t := e.token.Load(); b.usable(t) {
		return t.value, nil
	}

	ch := b.flights.DoChan(key.String(), func() (any, error) {
		// Another flight may have finished between the check above and now.
		if t := e.token.Load(); b.usable(t) {
			return t, nil
		}
		// The request outlives any single waiter; waiters give up on their own
		// context below.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.fetchTimeout)
		defer cancel()
		t, err := b.fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		e.token.Store(t)
		return t, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err //nolint:wrapcheck // Want passthrough
		}
		t, ok := res.Val.(*cachedToken)
		if !ok {
			return "", fmt.Errorf("unexpected token type %T", res.Val)
		}
		return t.value, nil
	}
}

// Invalidate drops the cached token for the tenant and application so the
// next GetToken requests a new one.
func (b *Broker) Invalidate(tenantID, appID string) {
	if v, ok := b.entries.Load(Key{TenantID: tenantID, AppID: appID}); ok {
		v.(*entry).token.Store(nil) //nolint:forcetypeassert // Only *entry is stored
	}
}

// TokenSource binds req to the broker.
func (b *Broker) TokenSource(req *TokenRequest) *TenantTokenSource {
	return &TenantTokenSource{broker: b, req: req}
}

func (b *Broker) entry(key Key) *entry {
	if v, ok := b.entries.Load(key); ok {
		return v.(*entry) //nolint:forcetypeassert // Only *entry is stored
	}
	v, _ := b.entries.LoadOrStore(key, &entry{})
	return v.(*entry) //nolint:forcetypeassert // Only *entry is stored
}

func (b *Broker) usable(t *cachedToken) bool {
	return t != nil && b.clock.Now().Add(b.buffer).Before(t.expiry)
}

func (b *Broker) fetch(ctx context.Context, req *TokenRequest) (*cachedToken, error) {
	logger := logging.FromContext(ctx)

	authority := req.Authority
	if authority == "" {
		authority = b.authority
	}
	scope := req.Scope
	if scope == "" {
		scope = b.scope
	}
	cfg := &clientcredentials.Config{
		ClientID:     req.AppID,
		ClientSecret: req.Secret,
		TokenURL:     TokenURL(authority, req.TenantID),
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	logger.DebugContext(ctx, "requesting access token",
		"tenant_id", req.TenantID,
		"app_id", req.AppID,
	)
	requestedAt := b.clock.Now()
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, b.httpClient))
	if err != nil {
		return nil, authError(err)
	}

	lifetime := tokenLifetime(tok, requestedAt)
	logger.DebugContext(ctx, "acquired access token",
		"tenant_id", req.TenantID,
		"app_id", req.AppID,
		"expires_in", lifetime.String(),
	)
	return &cachedToken{
		value:  tok.AccessToken,
		expiry: requestedAt.Add(lifetime),
	}, nil
}

// tokenLifetime is how long tok stays valid counted from requestedAt. It falls
// back to DefaultLifetime when the response carries no usable expiry.
func tokenLifetime(tok *oauth2.Token, requestedAt time.Time) time.Duration {
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 && !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(requestedAt)
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return lifetime
}

// TokenURL returns the token endpoint for a tenant under authority.
func TokenURL(authority, tenantID string) string {
	return strings.TrimSuffix(authority, "/") + "/" + tenantID + "/oauth2/v2.0/token"
}

func authError(err error) error {
	aerr := &apierror.AuthError{Op: apierror.OpAcquireToken, Err: err}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil {
			aerr.StatusCode = rerr.Response.StatusCode
		}
		aerr.Code = rerr.ErrorCode
		aerr.Description = rerr.ErrorDescription
	}
	return aerr
}

// TenantTokenSource is a token source bound to one tenant and application.
type TenantTokenSource struct {
	broker *Broker
	req    *TokenRequest
}

// Token returns a usable token.
func (s *TenantTokenSource) Token(ctx context.Context) (string, error) {
	return s.broker.GetToken(ctx, s.req)
}

// Invalidate drops the cached token.
func (s *TenantTokenSource) Invalidate() {
	s.broker.Invalidate(s.req.TenantID, s.req.AppID)
}
