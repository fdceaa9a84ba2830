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

// Package credentials reads per-tenant application credentials. Credential
// storage and encryption live outside this module; this package only defines
// the read side and a few simple providers.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/abcxyz/pkg/cache"
)

// DefaultAuthority is the authority used when a credential does not name one.
const DefaultAuthority = "https://login.microsoftonline.com"

// ErrTenantNotFound is returned when no credential exists for a tenant reference.
var ErrTenantNotFound = errors.New("tenant not found")

// TenantCredential identifies the application a tenant granted access to.
type TenantCredential struct {
	// TenantID is the platform-assigned tenant identifier.
	TenantID string `json:"tenant_id"`
	// AppID is the client id of the tenant's application registration.
	AppID string `json:"app_id"`
	// SecretRef names the client secret in the secret store. The secret
	// itself is never held on this struct.
	SecretRef string `json:"secret_ref"`
	// Authority is the token authority base URL, e.g. DefaultAuthority.
	Authority string `json:"authority,omitempty"`
}

// Validate checks that the credential is usable.
func (c *TenantCredential) Validate() error {
	var merr error
	if c.TenantID == "" {
		merr = errors.Join(merr, fmt.Errorf("tenant id is required"))
	}
	if c.AppID == "" {
		merr = errors.Join(merr, fmt.Errorf("app id is required"))
	}
	if c.SecretRef == "" {
		merr = errors.Join(merr, fmt.Errorf("secret reference is required"))
	}
	return merr
}

// Store looks up credentials by tenant reference.
type Store interface {
	Credential(ctx context.Context, tenantRef string) (*TenantCredential, error)
}

// SecretProvider resolves a secret reference to the secret value.
type SecretProvider interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// StaticStore is a Store backed by a fixed set of credentials.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]*TenantCredential
}

// NewStaticStore creates a StaticStore keyed by tenant reference.
func NewStaticStore(creds map[string]*TenantCredential) *StaticStore {
	m := make(map[string]*TenantCredential, len(creds))
	for k, v := range creds {
		m[k] = v
	}
	return &StaticStore{creds: m}
}

// Credential returns the credential for tenantRef, or ErrTenantNotFound.
func (s *StaticStore) Credential(ctx context.Context, tenantRef string) (*TenantCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[tenantRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantRef)
	}
	c := *cred
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}
	return &c, nil
}

// Put adds or replaces the credential for tenantRef.
func (s *StaticStore) Put(tenantRef string, cred *TenantCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tenantRef] = cred
}

// EnvSecretProvider treats secret references as environment variable names.
type EnvSecretProvider struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Secret returns the value of the environment variable named ref.
func (p *EnvSecretProvider) Secret(ctx context.Context, ref string) (string, error) {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	v := getenv(ref)
	if v == "" {
		return "", fmt.Errorf("secret %s is not set", ref)
	}
	return v, nil
}

// CachedSecretProvider caches secrets from another provider for a fixed
// duration so every sync does not hit the secret store.
type CachedSecretProvider struct {
	provider SecretProvider
	cache    *cache.Cache[string]
}

// NewCachedSecretProvider wraps provider with a cache whose entries live for
// cacheDuration.
func NewCachedSecretProvider(provider SecretProvider, cacheDuration time.Duration) *CachedSecretProvider {
	return &CachedSecretProvider{
		provider: provider,
		cache:    cache.New[string](cacheDuration),
	}
}

// Secret gets the secret from the cache or the wrapped provider.
func (p *CachedSecretProvider) Secret(ctx context.Context, ref string) (string, error) {
	if secret, found := p.cache.Lookup(ref); found {
		return secret, nil
	}
	secret, err := p.provider.Secret(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("unable to resolve secret %s: %w", ref, err)
	}
	p.cache.Set(ref, secret)
	return secret, nil
}

// LoadFile reads a JSON object mapping tenant references to credentials.
func LoadFile(path string) (*StaticStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var creds map[string]*TenantCredential
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}
	for ref, c := range creds {
		if c == nil {
			return nil, fmt.Errorf("credentials file %s: tenant %s has no credential", path, ref)
		}
	}
	return NewStaticStore(creds), nil
}
