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

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/pkg/testutil"
	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
)

// newPlatform serves a tenant with two members, one license and a mail
// usage report.
func newPlatform(t *testing.T) *httptest.Server {
	t.Helper()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{tenant}/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "token", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("GET /v1.0/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "user-1", "userPrincipalName": "adele@contoso.com", "accountEnabled": true},
			{"id": "user-2", "userPrincipalName": "megan@contoso.com", "accountEnabled": true},
		}})
	})
	mux.HandleFunc("GET /v1.0/subscribedSkus", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{{"skuId": "sku-e3", "skuPartNumber": "ENTERPRISEPACK"}}})
	})
	mux.HandleFunc("GET /v1.0/users/{id}/licenseDetails", func(w http.ResponseWriter, r *http.Request) {
		details := []map[string]any{}
		if r.PathValue("id") == "user-1" {
			details = append(details, map[string]any{"skuId": "sku-e3"})
		}
		writeJSON(w, map[string]any{"value": details})
	})
	mux.HandleFunc("GET /v1.0/reports/{report}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User Principal Name,Last Activity Date\nadele@contoso.com,2026-10-01\n")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeCredentials(t *testing.T, authority string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tenants.json")
	b, err := json.Marshal(map[string]any{
		"contoso": map[string]string{
			"tenant_id":  "contoso-id",
			"app_id":     "app-id",
			"secret_ref": "TENANTSYNC_TEST_CONTOSO_SECRET",
			"authority":  authority,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSyncCommand(t *testing.T) {
	t.Setenv("TENANTSYNC_TEST_CONTOSO_SECRET", "s3cret")

	srv := newPlatform(t)
	credsFile := writeCredentials(t, srv.URL)
	redisServer := miniredis.RunT(t)

	cases := []struct {
		name         string
		args         []string
		wantStages   []tenantsync.Stage
		wantOutcomes []tenantsync.Outcome
		wantErr      string
	}{
		{
			name: "all_stages",
			args: []string{"-tenant", "contoso"},
			wantStages: []tenantsync.Stage{
				tenantsync.StageDirectory,
				tenantsync.StageLicenses,
				tenantsync.StageUsage,
			},
			wantOutcomes: []tenantsync.Outcome{tenantsync.OutcomeSucceeded},
		},
		{
			name:         "redis_lease",
			args:         []string{"-tenant", "contoso", "-stage", "directory", "-redis-addr", redisServer.Addr()},
			wantStages:   []tenantsync.Stage{tenantsync.StageDirectory},
			wantOutcomes: []tenantsync.Outcome{tenantsync.OutcomeSucceeded},
		},
		{
			name:         "unknown_tenant",
			args:         []string{"-tenant", "contoso", "-tenant", "fabrikam", "-stage", "directory"},
			wantStages:   []tenantsync.Stage{tenantsync.StageDirectory},
			wantOutcomes: []tenantsync.Outcome{tenantsync.OutcomeSucceeded},
			wantErr:      "tenant fabrikam",
		},
		{
			name:    "invalid_period",
			args:    []string{"-tenant", "contoso", "-period", "D30"},
			wantErr: "invalid report period",
		},
		{
			name:    "missing_tenant",
			args:    []string{},
			wantErr: "-tenant is required",
		},
		{
			name:    "unexpected_args",
			args:    []string{"-tenant", "contoso", "extra"},
			wantErr: `unexpected arguments: ["extra"]`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := t.Context()

			metricsFile := filepath.Join(t.TempDir(), "tenantsync.prom")
			args := append([]string{
				"-credentials-file", credsFile,
				"-graph-api-base", srv.URL + "/v1.0",
				"-metrics-file", metricsFile,
			}, tc.args...)

			var cmd SyncCommand
			_, stdout, _ := cmd.Pipe()

			err := cmd.Run(ctx, args)
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Fatal(diff)
			}
			if tc.wantStages == nil {
				return
			}

			var got []*struct {
				TenantRef string                    `json:"tenant_ref"`
				TenantID  string                    `json:"tenant_id"`
				Outcome   tenantsync.Outcome        `json:"outcome"`
				Stages    []*tenantsync.StageResult `json:"stages"`
			}
			if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
				t.Fatalf("failed to decode output %q: %v", stdout.String(), err)
			}

			var outcomes []tenantsync.Outcome
			for _, r := range got {
				if r.TenantRef != "contoso" || r.TenantID != "contoso-id" {
					t.Errorf("unexpected tenant %s (%s)", r.TenantRef, r.TenantID)
				}
				outcomes = append(outcomes, r.Outcome)

				var stages []tenantsync.Stage
				for _, s := range r.Stages {
					stages = append(stages, s.Stage)
				}
				if diff := cmp.Diff(stages, tc.wantStages); diff != "" {
					t.Errorf("stages (-got, +want):\n%s", diff)
				}
			}
			if diff := cmp.Diff(outcomes, tc.wantOutcomes); diff != "" {
				t.Errorf("outcomes (-got, +want):\n%s", diff)
			}

			metrics, err := os.ReadFile(metricsFile)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(metrics), "tenantsync_graph_requests_total") {
				t.Errorf("metrics file is missing request counts:\n%s", metrics)
			}
		})
	}
}
