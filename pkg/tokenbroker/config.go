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

package tokenbroker

import (
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/tenant-sync/pkg/credentials"
)

// Config is the flag-backed configuration for a Broker.
type Config struct {
	Authority    string
	Scope        string
	ExpiryBuffer time.Duration
	FetchTimeout time.Duration
}

func (c *Config) RegisterFlags(set *cli.FlagSet) {
	f := set.NewSection("AUTH OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "authority",
		EnvVar:  "TENANTSYNC_AUTHORITY",
		Target:  &c.Authority,
		Default: credentials.DefaultAuthority,
		Usage:   `Token authority used when a tenant credential does not name one`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "scope",
		EnvVar:  "TENANTSYNC_SCOPE",
		Target:  &c.Scope,
		Default: DefaultScope,
		Usage:   `Scope requested with the client-credentials grant`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "token-expiry-buffer",
		EnvVar:  "TENANTSYNC_TOKEN_EXPIRY_BUFFER",
		Target:  &c.ExpiryBuffer,
		Default: DefaultExpiryBuffer,
		Usage:   `Cached tokens expiring sooner than this are refreshed`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "token-fetch-timeout",
		Target:  &c.FetchTimeout,
		Default: DefaultFetchTimeout,
		Usage:   `Timeout for a single token request`,
	})

	set.AfterParse(func(merr error) error {
		if c.Authority == "" {
			c.Authority = credentials.DefaultAuthority
		}
		if c.Scope == "" {
			c.Scope = DefaultScope
		}
		return merr
	})
}

// Opts converts the config into Broker options.
func (c *Config) Opts() []Opt {
	return []Opt{
		WithAuthority(c.Authority),
		WithScope(c.Scope),
		WithExpiryBuffer(c.ExpiryBuffer),
		WithFetchTimeout(c.FetchTimeout),
	}
}
