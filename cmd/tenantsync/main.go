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

// Command tenantsync syncs directory, license and usage data for tenants.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	tscli "github.com/abcxyz/tenant-sync/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "source"

var rootCmd = func() cli.Command {
	return &cli.RootCommand{
		Name:    "tenantsync",
		Version: version,
		Commands: map[string]cli.CommandFactory{
			"sync": func() cli.Command {
				return &tscli.SyncCommand{}
			},
		},
	}
}

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("TENANTSYNC_")
	ctx = logging.WithLogger(ctx, logger)

	if err := rootCmd().Run(ctx, os.Args[1:]); err != nil {
		done()
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
