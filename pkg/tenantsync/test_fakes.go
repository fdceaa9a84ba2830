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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/abcxyz/tenant-sync/pkg/report"
)

// platformData is what the fake platform serves for one tenant.
type platformData struct {
	members []*Member
	skus    []*Sku
	// licenses maps member IDs to assigned SKU IDs.
	licenses map[string][]string
	// reports maps report endpoint names to CSV bodies.
	reports map[string]string
}

// fakePlatform serves the token endpoint and the directory API for one
// tenant. failures maps request paths to a status returned instead;
// rejectOnce maps request paths to a single 401 before normal service.
type fakePlatform struct {
	*httptest.Server

	mutex         sync.Mutex
	data          *platformData
	failures      map[string]int
	rejectOnce    map[string]bool
	tokenRequests int
	hits          map[string]int
}

func newFakePlatform(data *platformData) *fakePlatform {
	f := &fakePlatform{
		data:       data,
		failures:   make(map[string]int),
		rejectOnce: make(map[string]bool),
		hits:       make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{tenant}/oauth2/v2.0/token", f.token)
	mux.HandleFunc("GET /v1.0/users", f.users)
	mux.HandleFunc("GET /v1.0/subscribedSkus", f.subscribedSkus)
	mux.HandleFunc("GET /v1.0/users/{id}/licenseDetails", f.licenseDetails)
	mux.HandleFunc("GET /v1.0/reports/{report}", f.report)

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		f.hits[r.URL.Path]++
		status, failing := f.failures[r.URL.Path]
		reject := f.rejectOnce[r.URL.Path]
		delete(f.rejectOnce, r.URL.Path)
		f.mutex.Unlock()

		switch {
		case reject:
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired."}}`)
		case failing:
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"code":"Failure","message":"status %d"}}`, status)
		default:
			mux.ServeHTTP(w, r)
		}
	}))
	return f
}

func (f *fakePlatform) apiBase() string {
	return f.URL + "/v1.0"
}

func (f *fakePlatform) hitCount(path string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.hits[path]
}

func (f *fakePlatform) fail(path string, status int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failures[path] = status
}

func (f *fakePlatform) rejectTokenOnce(path string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.rejectOnce[path] = true
}

func (f *fakePlatform) token(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	f.tokenRequests++
	n := f.tokenRequests
	f.mutex.Unlock()
	writeJSON(w, map[string]any{
		"access_token": fmt.Sprintf("token-%d", n),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (f *fakePlatform) users(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	top, err := strconv.Atoi(q.Get("$top"))
	if err != nil || top < 1 {
		top = 100
	}
	skip := 0
	if q.Has("$skiptoken") {
		skip, _ = strconv.Atoi(q.Get("$skiptoken"))
		top, _ = strconv.Atoi(q.Get("size"))
	}

	f.mutex.Lock()
	members := f.data.members
	f.mutex.Unlock()

	end := min(skip+top, len(members))
	page := map[string]any{"value": members[skip:end]}
	if end < len(members) {
		page["@odata.nextLink"] = fmt.Sprintf("%s/v1.0/users?$skiptoken=%d&size=%d", f.URL, end, top)
	}
	writeJSON(w, page)
}

func (f *fakePlatform) subscribedSkus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"value": f.data.skus})
}

func (f *fakePlatform) licenseDetails(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	details := make([]map[string]any, 0)
	for _, skuID := range f.data.licenses[id] {
		// Retired products keep their part number on the assignment.
		partNumber := strings.ToUpper(skuID)
		for _, sku := range f.data.skus {
			if sku.SkuID == skuID {
				partNumber = sku.SkuPartNumber
			}
		}
		details = append(details, map[string]any{
			"id":            id + "_" + skuID,
			"skuId":         skuID,
			"skuPartNumber": partNumber,
			"servicePlans": []map[string]string{
				{"servicePlanName": "EXCHANGE_S_STANDARD", "provisioningStatus": "Success"},
			},
		})
	}
	writeJSON(w, map[string]any{"value": details})
}

func (f *fakePlatform) report(w http.ResponseWriter, r *http.Request) {
	name, _, _ := strings.Cut(r.PathValue("report"), "(")
	body, ok := f.data.reports[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	fmt.Fprint(w, "\ufeff"+body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// testMembers returns n members with IDs user-0000 and up.
func testMembers(n int) []*Member {
	members := make([]*Member, 0, n)
	for i := range n {
		members = append(members, &Member{
			ID:                fmt.Sprintf("user-%04d", i),
			UserPrincipalName: fmt.Sprintf("user%d@contoso.com", i),
			DisplayName:       fmt.Sprintf("User %d", i),
			AccountEnabled:    true,
			UserType:          "Member",
		})
	}
	return members
}

// reportEndpoint returns the endpoint name the fake serves kind under.
func reportEndpoint(kind report.Kind) string {
	name := strings.TrimPrefix(kind.Path(report.PeriodD7), "reports/")
	name, _, _ = strings.Cut(name, "(")
	return name
}
