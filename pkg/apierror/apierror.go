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

// Package apierror defines the failure taxonomy shared by the token broker,
// the resilient HTTP client and the sync orchestrator.
package apierror

import (
	"errors"
	"fmt"
	"time"
)

// OpAcquireToken is the AuthError.Op used when the token endpoint itself
// rejected the client-credentials grant.
const OpAcquireToken = "acquire token"

// AuthError is a credential or token failure: an invalid secret, revoked
// consent, or a 401/403 from a resource call.
type AuthError struct {
	// Op is the operation that failed, e.g. OpAcquireToken or "GET /users".
	Op string
	// StatusCode is the upstream HTTP status, zero when no response was received.
	StatusCode int
	// Code is the OAuth2 error code returned by the token endpoint, if any.
	Code string
	// Description is the upstream error description or response body.
	Description string
	Err         error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth failure during %s", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TokenRejected reports whether the failure came from a resource call that
// rejected an issued token, as opposed to the token endpoint refusing to
// issue one. Only the former is worth retrying with a fresh token.
func (e *AuthError) TokenRejected() bool {
	return e.Op != OpAcquireToken
}

// ThrottlingError is returned once the throttling retry budget is exhausted.
type ThrottlingError struct {
	Attempts   int
	RetryAfter time.Duration
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("throttled by upstream after %d attempts (last retry-after %s)", e.Attempts, e.RetryAfter)
}

// TransportError is returned once the transport retry budget is exhausted.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UpstreamError is any other non-2xx response. It is never retried.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is a throttling or transport failure whose
// retry budget ran out. Callers may retry the whole operation later.
func IsTransient(err error) bool {
	var terr *ThrottlingError
	var nerr *TransportError
	return errors.As(err, &terr) || errors.As(err, &nerr)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var aerr *AuthError
	return errors.As(err, &aerr)
}

// IsStageFatal reports whether err must abort the stage it occurred in.
// Per-record problems such as an UpstreamError for one member are not fatal.
func IsStageFatal(err error) bool {
	return IsAuth(err) || IsTransient(err)
}
