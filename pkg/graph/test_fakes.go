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

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
)

type fakeTokenSource struct {
	mu            sync.Mutex
	token         string
	invalidations int
	err           error
}

func (f *fakeTokenSource) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokenSource) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeTokenSource) Invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations
}

// scriptedResponse is one canned reply. dropConn closes the connection
// without answering.
type scriptedResponse struct {
	status     int
	retryAfter string
	body       string
	dropConn   bool
}

// scriptedServer replays responses in order and repeats the last one once
// the script runs out.
type scriptedServer struct {
	*httptest.Server

	mu        sync.Mutex
	script    []scriptedResponse
	requests  []*url.URL
	authHeads []string
}

func newScriptedServer(script ...scriptedResponse) *scriptedServer {
	s := &scriptedServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *scriptedServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := min(len(s.requests), len(s.script)-1)
	s.requests = append(s.requests, r.URL)
	s.authHeads = append(s.authHeads, r.Header.Get("Authorization"))
	resp := s.script[idx]
	s.mu.Unlock()

	if resp.dropConn {
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		conn.Close()
		return
	}
	if resp.retryAfter != "" {
		w.Header().Set("Retry-After", resp.retryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	fmt.Fprint(w, resp.body)
}

func (s *scriptedServer) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// fakeCollection serves GET /{collection} as pages of {"id": N} objects.
// With loop set, every page points back at the same cursor.
type fakeCollection struct {
	*httptest.Server

	mu       sync.Mutex
	total    int
	loop     bool
	requests []url.Values
}

func newFakeCollection(total int, loop bool) *fakeCollection {
	f := &fakeCollection{total: total, loop: loop}
	mux := http.NewServeMux()
	mux.Handle("GET /{collection}", http.HandlerFunc(f.handle))
	f.Server = httptest.NewServer(mux)
	return f
}

func (f *fakeCollection) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.requests = append(f.requests, q)
	f.mu.Unlock()

	top, err := strconv.Atoi(q.Get("$top"))
	if err != nil || top < 1 {
		top = DefaultPageSize
	}
	skip, _ := strconv.Atoi(q.Get("$skiptoken"))
	if q.Has("$skiptoken") {
		// Continuation links carry the page size themselves.
		top, _ = strconv.Atoi(q.Get("pagesize"))
	}

	end := min(skip+top, f.total)
	page := map[string]any{}
	value := make([]map[string]int, 0, end-skip)
	for i := skip; i < end; i++ {
		value = append(value, map[string]int{"id": i})
	}
	page["value"] = value

	next := end
	if f.loop {
		next = skip
	}
	if f.loop || end < f.total {
		page["@odata.nextLink"] = fmt.Sprintf("%s/%s?$skiptoken=%d&pagesize=%d",
			f.URL, r.PathValue("collection"), next, top)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (f *fakeCollection) queries() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.requests...)
}
