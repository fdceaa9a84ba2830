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

// Package v1alpha1 holds the interfaces callers program against when
// driving tenant syncs.
package v1alpha1

import (
	"context"

	"github.com/abcxyz/tenant-sync/pkg/report"
	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
)

// TenantSyncer syncs platform data for a tenant into a store.
type TenantSyncer interface {
	// Run executes the given stages, or all stages when none are given, under
	// a per-tenant lease. The returned error is set only when the run could
	// not start; stage failures are reported in the result.
	Run(ctx context.Context, tenantRef string, period report.Period, stages ...tenantsync.Stage) (*tenantsync.RunResult, error)

	// SyncDirectory upserts every directory member of the tenant.
	SyncDirectory(ctx context.Context, tenantRef string) (*tenantsync.StageResult, error)

	// SyncLicenses upserts the license assignments of every known member.
	SyncLicenses(ctx context.Context, tenantRef string) (*tenantsync.StageResult, error)

	// SyncUsage upserts merged usage reports for every known member.
	SyncUsage(ctx context.Context, tenantRef string, period report.Period) (*tenantsync.StageResult, error)
}
