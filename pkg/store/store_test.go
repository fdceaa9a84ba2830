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

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/abcxyz/tenant-sync/pkg/report"
	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
)

// storesUnderTest returns the stores exercised by the shared tests. The
// Postgres store is included when TENANTSYNC_TEST_POSTGRES_URL is set.
func storesUnderTest(t *testing.T) map[string]tenantsync.Store {
	t.Helper()

	stores := map[string]tenantsync.Store{"memory": NewMemoryStore()}
	url := os.Getenv("TENANTSYNC_TEST_POSTGRES_URL")
	if url == "" {
		return stores
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	pg, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	stores["postgres"] = pg
	return stores
}

func TestStore_Upserts(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			// Unique per run so a shared database starts empty for this test.
			tenantID := fmt.Sprintf("tenant-%s", uuid.NewString())

			m := &tenantsync.Member{ID: "user-1", UserPrincipalName: "adele@contoso.com", AccountEnabled: true}
			for i, want := range []bool{true, false} {
				created, err := s.UpsertMember(ctx, tenantID, m)
				if err != nil {
					t.Fatal(err)
				}
				if created != want {
					t.Errorf("UpsertMember #%d created got %t, want %t", i, created, want)
				}
			}

			m.DisplayName = "Adele Vance"
			if _, err := s.UpsertMember(ctx, tenantID, m); err != nil {
				t.Fatal(err)
			}
			known, err := s.KnownMembers(ctx, tenantID)
			if err != nil {
				t.Fatal(err)
			}
			want := map[string]*tenantsync.Member{
				"user-1": {ID: "user-1", UserPrincipalName: "adele@contoso.com", DisplayName: "Adele Vance", AccountEnabled: true},
			}
			if diff := cmp.Diff(known, want); diff != "" {
				t.Errorf("KnownMembers (-got, +want):\n%s", diff)
			}

			l := &tenantsync.LicenseAssignment{MemberID: "user-1", SkuID: "sku-e3", SkuPartNumber: "ENTERPRISEPACK"}
			for i, want := range []bool{true, false} {
				created, err := s.UpsertLicense(ctx, tenantID, l)
				if err != nil {
					t.Fatal(err)
				}
				if created != want {
					t.Errorf("UpsertLicense #%d created got %t, want %t", i, created, want)
				}
			}

			u := &tenantsync.UsageRecord{
				MemberID: "user-1",
				Period:   report.PeriodD7,
				MergedUsageRecord: &report.MergedUsageRecord{
					UserPrincipalName: "adele@contoso.com",
					Mail: &report.MailActivity{
						Activity:  report.Activity{UserPrincipalName: "adele@contoso.com"},
						SendCount: 4,
					},
				},
			}
			for i, want := range []bool{true, false} {
				created, err := s.UpsertUsage(ctx, tenantID, u)
				if err != nil {
					t.Fatal(err)
				}
				if created != want {
					t.Errorf("UpsertUsage #%d created got %t, want %t", i, created, want)
				}
			}

			// A different period is a different record.
			u.Period = report.PeriodD28
			created, err := s.UpsertUsage(ctx, tenantID, u)
			if err != nil {
				t.Fatal(err)
			}
			if !created {
				t.Errorf("UpsertUsage for a new period did not create a record")
			}
		})
	}
}

func TestStore_TenantsAreIsolated(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			a, b := "tenant-"+uuid.NewString(), "tenant-"+uuid.NewString()
			m := &tenantsync.Member{ID: "user-1", UserPrincipalName: "adele@contoso.com"}

			if _, err := s.UpsertMember(ctx, a, m); err != nil {
				t.Fatal(err)
			}
			created, err := s.UpsertMember(ctx, b, m)
			if err != nil {
				t.Fatal(err)
			}
			if !created {
				t.Errorf("same member in another tenant was not created")
			}

			known, err := s.KnownMembers(ctx, "tenant-"+uuid.NewString())
			if err != nil {
				t.Fatal(err)
			}
			if len(known) != 0 {
				t.Errorf("unknown tenant has %d members", len(known))
			}
		})
	}
}

func TestMemoryStore_CopiesRecords(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	s := NewMemoryStore()

	l := &tenantsync.LicenseAssignment{MemberID: "user-1", SkuID: "sku-e3", ServicePlans: []string{"EXCHANGE_S_STANDARD"}}
	if _, err := s.UpsertLicense(ctx, "contoso", l); err != nil {
		t.Fatal(err)
	}
	l.ServicePlans[0] = "CHANGED"

	want := []*tenantsync.LicenseAssignment{
		{MemberID: "user-1", SkuID: "sku-e3", ServicePlans: []string{"EXCHANGE_S_STANDARD"}},
	}
	if diff := cmp.Diff(s.Licenses("contoso"), want); diff != "" {
		t.Errorf("Licenses (-got, +want):\n%s", diff)
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := s.UpsertMember(ctx, "contoso", &tenantsync.Member{ID: "user-1"}); err == nil {
		t.Errorf("UpsertMember on a canceled context succeeded")
	}

	if _, err := s.UpsertUsage(t.Context(), "contoso", &tenantsync.UsageRecord{MemberID: "user-1"}); err == nil {
		t.Errorf("UpsertUsage without activity succeeded")
	}
	if got := len(s.Usage("contoso")); got != 0 {
		t.Errorf("stored %d usage records, want 0", got)
	}
}
