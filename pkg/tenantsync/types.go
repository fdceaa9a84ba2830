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

// Package tenantsync runs the directory, license and usage sync stages for
// one tenant and accounts for every record it touched.
package tenantsync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/tenant-sync/pkg/report"
)

// Store is the upsert-by-natural-key persistence the stages write to. Every
// upsert reports whether it created a new record. Implementations must be
// safe for concurrent use.
type Store interface {
	// UpsertMember stores m keyed by (tenantID, m.ID).
	UpsertMember(ctx context.Context, tenantID string, m *Member) (bool, error)

	// KnownMembers returns every member stored for the tenant keyed by ID.
	KnownMembers(ctx context.Context, tenantID string) (map[string]*Member, error)

	// UpsertLicense stores l keyed by (tenantID, l.MemberID, l.SkuID).
	UpsertLicense(ctx context.Context, tenantID string, l *LicenseAssignment) (bool, error)

	// UpsertUsage stores u keyed by (tenantID, u.MemberID, u.Period).
	UpsertUsage(ctx context.Context, tenantID string, u *UsageRecord) (bool, error)
}

// Member is a directory member. ID is the platform's immutable identifier.
type Member struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	JobTitle          string `json:"jobTitle,omitempty"`
	Department        string `json:"department,omitempty"`
	AccountEnabled    bool   `json:"accountEnabled"`
	UserType          string `json:"userType,omitempty"`
}

// memberSelect lists the member fields requested from the directory.
const memberSelect = "id,userPrincipalName,displayName,mail,jobTitle,department,accountEnabled,userType"

// Sku is a subscribed product in the tenant's catalog.
type Sku struct {
	SkuID            string `json:"skuId"`
	SkuPartNumber    string `json:"skuPartNumber"`
	CapabilityStatus string `json:"capabilityStatus,omitempty"`
	ConsumedUnits    int64  `json:"consumedUnits"`
	PrepaidUnits     struct {
		Enabled   int64 `json:"enabled"`
		Suspended int64 `json:"suspended"`
		Warning   int64 `json:"warning"`
	} `json:"prepaidUnits"`
}

// LicenseAssignment is one SKU assigned to one member.
type LicenseAssignment struct {
	MemberID      string   `json:"member_id"`
	SkuID         string   `json:"sku_id"`
	SkuPartNumber string   `json:"sku_part_number"`
	ServicePlans  []string `json:"service_plans,omitempty"`
}

// UsageRecord is the merged usage of one member for one period.
type UsageRecord struct {
	MemberID string        `json:"member_id"`
	Period   report.Period `json:"period"`
	*report.MergedUsageRecord
}

// Stage is one of the ordered sync phases.
type Stage string

const (
	StageDirectory Stage = "directory"
	StageLicenses  Stage = "licenses"
	StageUsage     Stage = "usage"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageDirectory, StageLicenses, StageUsage}

// Outcome summarizes how a stage or run ended.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomePartiallySucceeded Outcome = "partially_succeeded"
	OutcomeAborted            Outcome = "aborted"
)

// RecordError describes one record that could not be synced.
type RecordError struct {
	// Key identifies the record, e.g. a member ID or "member/sku".
	Key     string `json:"key"`
	Message string `json:"message"`
}

// StageResult is the terminal account of one stage. Every handled record is
// counted once: Processed = Created + Updated + Failed + Skipped.
type StageResult struct {
	Stage     Stage `json:"stage"`
	Processed int   `json:"processed"`
	Created   int   `json:"created"`
	Updated   int   `json:"updated"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	// SkusFound is set by the licenses stage.
	SkusFound int `json:"skus_found,omitempty"`
	// ReportsFetched is set by the usage stage.
	ReportsFetched []report.Kind  `json:"reports_fetched,omitempty"`
	Errors         []*RecordError `json:"errors,omitempty"`
	// Err is the terminal error of an aborted stage; ErrorMessage is its
	// text for serialized results.
	Err          error     `json:"-"`
	ErrorMessage string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Outcome reports how the stage ended.
func (r *StageResult) Outcome() Outcome {
	switch {
	case r.Err != nil:
		return OutcomeAborted
	case r.Failed > 0:
		return OutcomePartiallySucceeded
	default:
		return OutcomeSucceeded
	}
}

// RunResult is the terminal account of a run over one or more stages.
type RunResult struct {
	RunID       uuid.UUID      `json:"run_id"`
	TenantID    string         `json:"tenant_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Stages      []*StageResult `json:"stages"`
}

// Outcome is succeeded or aborted when every stage agrees, and
// partially_succeeded otherwise.
func (r *RunResult) Outcome() Outcome {
	if len(r.Stages) == 0 {
		return OutcomeSucceeded
	}
	first := r.Stages[0].Outcome()
	for _, s := range r.Stages[1:] {
		if s.Outcome() != first {
			return OutcomePartiallySucceeded
		}
	}
	return first
}

// Stage returns the result of the named stage, or nil if it did not run.
func (r *RunResult) Stage(s Stage) *StageResult {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr
		}
	}
	return nil
}
