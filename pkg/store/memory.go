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

// Package store persists synced tenant records.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
)

var (
	_ tenantsync.Store = (*MemoryStore)(nil)
	_ tenantsync.Store = (*PostgresStore)(nil)
)

// MemoryStore is a process-local Store. Records are copied on write, so
// callers may reuse what they pass in.
type MemoryStore struct {
	mu       sync.RWMutex
	members  map[string]map[string]*tenantsync.Member
	licenses map[string]map[string]*tenantsync.LicenseAssignment
	usage    map[string]map[string]*tenantsync.UsageRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:  make(map[string]map[string]*tenantsync.Member),
		licenses: make(map[string]map[string]*tenantsync.LicenseAssignment),
		usage:    make(map[string]map[string]*tenantsync.UsageRecord),
	}
}

func (s *MemoryStore) UpsertMember(ctx context.Context, tenantID string, m *tenantsync.Member) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err //nolint:wrapcheck // Want passthrough
	}
	c := *m
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.members, tenantID, m.ID, &c), nil
}

func (s *MemoryStore) KnownMembers(ctx context.Context, tenantID string) (map[string]*tenantsync.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // Want passthrough
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*tenantsync.Member, len(s.members[tenantID]))
	for id, m := range s.members[tenantID] {
		c := *m
		out[id] = &c
	}
	return out, nil
}

func (s *MemoryStore) UpsertLicense(ctx context.Context, tenantID string, l *tenantsync.LicenseAssignment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err //nolint:wrapcheck // Want passthrough
	}
	c := *l
	c.ServicePlans = slices.Clone(l.ServicePlans)
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.licenses, tenantID, l.MemberID+"/"+l.SkuID, &c), nil
}

func (s *MemoryStore) UpsertUsage(ctx context.Context, tenantID string, u *tenantsync.UsageRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err //nolint:wrapcheck // Want passthrough
	}
	if u.MergedUsageRecord == nil {
		return false, fmt.Errorf("usage record for member %s has no activity", u.MemberID)
	}
	c := *u
	merged := *u.MergedUsageRecord
	c.MergedUsageRecord = &merged
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.usage, tenantID, fmt.Sprintf("%s/%s", u.MemberID, u.Period), &c), nil
}

// Licenses returns the stored license assignments of the tenant, ordered by
// member and SKU.
func (s *MemoryStore) Licenses(tenantID string) []*tenantsync.LicenseAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.licenses[tenantID])
}

// Usage returns the stored usage records of the tenant, ordered by member and
// period.
func (s *MemoryStore) Usage(tenantID string) []*tenantsync.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.usage[tenantID])
}

func put[T any](tables map[string]map[string]*T, tenantID, key string, v *T) bool {
	rows, ok := tables[tenantID]
	if !ok {
		rows = make(map[string]*T)
		tables[tenantID] = rows
	}
	_, exists := rows[key]
	rows[key] = v
	return !exists
}

func sortedValues[T any](rows map[string]*T) []*T {
	out := make([]*T, 0, len(rows))
	for _, k := range slices.Sorted(maps.Keys(rows)) {
		out = append(out, rows[k])
	}
	return out
}
