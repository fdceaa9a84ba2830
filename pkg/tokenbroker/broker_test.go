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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/abcxyz/pkg/testutil"
	"github.com/abcxyz/tenant-sync/pkg/apierror"
)

// fakeTokenServer issues sequential tokens and counts grant requests.
type fakeTokenServer struct {
	server    *httptest.Server
	requests  atomic.Int64
	expiresIn int
	// release, when set, holds every response until closed.
	release chan struct{}
	// status, when non-zero, is returned with an OAuth2 error body.
	status int
}

func newFakeTokenServer(t *testing.T, expiresIn int) *fakeTokenServer {
	t.Helper()
	f := &fakeTokenServer{expiresIn: expiresIn}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	n := f.requests.Add(1)
	if f.release != nil {
		<-f.release
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`)
		return
	}
	if got, want := r.PostForm.Get("grant_type"), "client_credentials"; got != want {
		http.Error(w, fmt.Sprintf("grant_type %q", got), http.StatusBadRequest)
		return
	}
	tenant := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")[0]
	resp := map[string]any{
		"access_token": fmt.Sprintf("token-%s-%s-%d", tenant, r.PostForm.Get("client_id"), n),
		"token_type":   "Bearer",
		"expires_in":   f.expiresIn,
	}
	json.NewEncoder(w).Encode(resp) //nolint:errcheck // test server
}

func testRequest(tenant string) *TokenRequest {
	return &TokenRequest{
		TenantID: tenant,
		AppID:    "app",
		Secret:   "secret",
	}
}

func TestBroker_GetToken_Caches(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := newFakeTokenServer(t, 3600)
	clock := quartz.NewMock(t)
	b := New(WithAuthority(srv.server.URL), WithClock(clock))

	first, err := b.GetToken(ctx, testRequest("contoso"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.GetToken(ctx, testRequest("contoso"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second, first); diff != "" {
		t.Errorf("cached token (-got, +want):\n%s", diff)
	}
	if got, want := srv.requests.Load(), int64(1); got != want {
		t.Errorf("token requests got %d, want %d", got, want)
	}

	if _, err := b.GetToken(ctx, testRequest("fabrikam")); err != nil {
		t.Fatal(err)
	}
	if got, want := srv.requests.Load(), int64(2); got != want {
		t.Errorf("token requests after second tenant got %d, want %d", got, want)
	}
}

func TestBroker_GetToken_ExpiryBuffer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		expiresIn int
		buffer    time.Duration
		advance   time.Duration
		want      int64
	}{
		{
			name:      "lifetime_shorter_than_buffer",
			expiresIn: 200,
			buffer:    300 * time.Second,
			want:      2,
		},
		{
			name:      "still_outside_buffer",
			expiresIn: 3600,
			buffer:    300 * time.Second,
			advance:   3299 * time.Second,
			want:      1,
		},
		{
			name:      "inside_buffer",
			expiresIn: 3600,
			buffer:    300 * time.Second,
			advance:   3300 * time.Second,
			want:      2,
		},
		{
			name:      "missing_expires_in_uses_default_lifetime",
			expiresIn: 0,
			buffer:    DefaultExpiryBuffer,
			advance:   50 * time.Minute,
			want:      1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			srv := newFakeTokenServer(t, tc.expiresIn)
			clock := quartz.NewMock(t)
			b := New(WithAuthority(srv.server.URL), WithClock(clock), WithExpiryBuffer(tc.buffer))

			if _, err := b.GetToken(ctx, testRequest("contoso")); err != nil {
				t.Fatal(err)
			}
			if tc.advance > 0 {
				clock.Advance(tc.advance).MustWait(ctx)
			}
			if _, err := b.GetToken(ctx, testRequest("contoso")); err != nil {
				t.Fatal(err)
			}
			if got := srv.requests.Load(); got != tc.want {
				t.Errorf("token requests got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestBroker_GetToken_SingleFlight(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := newFakeTokenServer(t, 3600)
	srv.release = make(chan struct{})
	b := New(WithAuthority(srv.server.URL), WithClock(quartz.NewMock(t)))

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = b.GetToken(ctx, testRequest("contoso"))
		}()
	}

	// Hold the first grant until it is in flight so the other callers queue
	// up behind it or find the cached result afterwards.
	for srv.requests.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(srv.release)
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		t.Fatal(err)
	}
	for i, tok := range tokens {
		if tok != tokens[0] {
			t.Errorf("caller %d got token %q, want %q", i, tok, tokens[0])
		}
	}
	if got, want := srv.requests.Load(), int64(1); got != want {
		t.Errorf("token requests got %d, want %d", got, want)
	}
}

func TestBroker_GetToken_AuthError(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := newFakeTokenServer(t, 3600)
	srv.status = http.StatusUnauthorized
	b := New(WithAuthority(srv.server.URL), WithClock(quartz.NewMock(t)))

	_, err := b.GetToken(ctx, testRequest("contoso"))
	if diff := testutil.DiffErrString(err, "AADSTS7000215"); diff != "" {
		t.Fatal(diff)
	}

	var aerr *apierror.AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %T, want *apierror.AuthError", err)
	}
	want := &apierror.AuthError{
		Op:          apierror.OpAcquireToken,
		StatusCode:  http.StatusUnauthorized,
		Code:        "invalid_client",
		Description: "AADSTS7000215: Invalid client secret provided.",
	}
	got := &apierror.AuthError{
		Op:          aerr.Op,
		StatusCode:  aerr.StatusCode,
		Code:        aerr.Code,
		Description: aerr.Description,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("auth error (-got, +want):\n%s", diff)
	}
	if aerr.TokenRejected() {
		t.Errorf("TokenRejected() got true for a token endpoint failure")
	}

	// Failures are not cached.
	if _, err := b.GetToken(ctx, testRequest("contoso")); err == nil {
		t.Fatal("expected second call to fail")
	}
	if got, want := srv.requests.Load(), int64(2); got != want {
		t.Errorf("token requests got %d, want %d", got, want)
	}
}

func TestBroker_Invalidate(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := newFakeTokenServer(t, 3600)
	b := New(WithAuthority(srv.server.URL), WithClock(quartz.NewMock(t)))
	ts := b.TokenSource(testRequest("contoso"))

	first, err := ts.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ts.Invalidate()
	second, err := ts.Token(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("got the same token %q after invalidation", first)
	}
	if got, want := srv.requests.Load(), int64(2); got != want {
		t.Errorf("token requests got %d, want %d", got, want)
	}

	// Invalidating an unknown key is a no-op.
	b.Invalidate("unknown", "app")
}

func TestTokenURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		authority string
		want      string
	}{
		{
			name:      "default",
			authority: "https://login.microsoftonline.com",
			want:      "https://login.microsoftonline.com/contoso/oauth2/v2.0/token",
		},
		{
			name:      "trailing_slash",
			authority: "https://login.microsoftonline.us/",
			want:      "https://login.microsoftonline.us/contoso/oauth2/v2.0/token",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(TokenURL(tc.authority, "contoso"), tc.want); diff != "" {
				t.Errorf("TokenURL (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestTokenLifetime(t *testing.T) {
	t.Parallel()

	requestedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		tok  *oauth2.Token
		want time.Duration
	}{
		{
			name: "expires_in",
			tok:  &oauth2.Token{ExpiresIn: 3599, Expiry: requestedAt.Add(time.Minute)},
			want: 3599 * time.Second,
		},
		{
			name: "expiry_relative_to_request",
			tok:  &oauth2.Token{Expiry: requestedAt.Add(20 * time.Minute)},
			want: 20 * time.Minute,
		},
		{
			name: "expired",
			tok:  &oauth2.Token{Expiry: requestedAt.Add(-time.Minute)},
			want: DefaultLifetime,
		},
		{
			name: "no_expiry",
			tok:  &oauth2.Token{},
			want: DefaultLifetime,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tokenLifetime(tc.tok, requestedAt); got != tc.want {
				t.Errorf("tokenLifetime got %s, want %s", got, tc.want)
			}
		})
	}
}
