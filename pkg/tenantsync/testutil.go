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
	"fmt"
	"sync"
)

type testStore struct {
	members  map[string]map[string]*Member
	licenses map[string]map[string]*LicenseAssignment
	usage    map[string]map[string]*UsageRecord

	upsertMemberErrs  map[string]error
	upsertLicenseErrs map[string]error
	upsertUsageErrs   map[string]error
	knownMembersErr   error
	// onUpsertMember, when set, runs before every member upsert.
	onUpsertMember func(m *Member)

	mutex sync.RWMutex
}

func newTestStore() *testStore {
	return &testStore{
		members:  make(map[string]map[string]*Member),
		licenses: make(map[string]map[string]*LicenseAssignment),
		usage:    make(map[string]map[string]*UsageRecord),
	}
}

func (ts *testStore) UpsertMember(ctx context.Context, tenantID string, m *Member) (bool, error) {
	if ts.onUpsertMember != nil {
		ts.onUpsertMember(m)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	if err, ok := ts.upsertMemberErrs[m.ID]; ok {
		return false, err
	}
	return upsert(ts.members, tenantID, m.ID, m), nil
}

func (ts *testStore) KnownMembers(ctx context.Context, tenantID string) (map[string]*Member, error) {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	if ts.knownMembersErr != nil {
		return nil, ts.knownMembersErr
	}
	out := make(map[string]*Member, len(ts.members[tenantID]))
	for id, m := range ts.members[tenantID] {
		out[id] = m
	}
	return out, nil
}

func (ts *testStore) UpsertLicense(ctx context.Context, tenantID string, l *LicenseAssignment) (bool, error) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	key := l.MemberID + "/" + l.SkuID
	if err, ok := ts.upsertLicenseErrs[key]; ok {
		return false, err
	}
	return upsert(ts.licenses, tenantID, key, l), nil
}

func (ts *testStore) UpsertUsage(ctx context.Context, tenantID string, u *UsageRecord) (bool, error) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	if err, ok := ts.upsertUsageErrs[u.MemberID]; ok {
		return false, err
	}
	return upsert(ts.usage, tenantID, fmt.Sprintf("%s/%s", u.MemberID, u.Period), u), nil
}

func (ts *testStore) putMembers(tenantID string, members ...*Member) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for _, m := range members {
		upsert(ts.members, tenantID, m.ID, m)
	}
}

func (ts *testStore) count(table string, tenantID string) int {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	switch table {
	case "members":
		return len(ts.members[tenantID])
	case "licenses":
		return len(ts.licenses[tenantID])
	case "usage":
		return len(ts.usage[tenantID])
	}
	return 0
}

func upsert[T any](tables map[string]map[string]T, tenantID, key string, v T) bool {
	rows, ok := tables[tenantID]
	if !ok {
		rows = make(map[string]T)
		tables[tenantID] = rows
	}
	_, exists := rows[key]
	rows[key] = v
	return !exists
}
