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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/tenant-sync/pkg/apierror"
)

var _ backoff.Clock = backoffClock{}

// noRetryAfter marks a missing or unusable Retry-After header.
const noRetryAfter time.Duration = -1

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// Response is a successful upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is the number of HTTP attempts it took.
	Attempts int
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeThrottled
	outcomeTransient
	outcomeAuthFailure
	outcomeFailed
)

// outcome is the classified result of one HTTP attempt.
type outcome struct {
	kind outcomeKind
	resp *Response
	// retryAfter is noRetryAfter when the platform did not send a usable value.
	retryAfter time.Duration
	err        error
}

// Request performs one logical call. Throttled attempts are retried honoring
// Retry-After, transport failures are retried with exponential backoff, each
// on its own budget of MaxAttempts. A 401 or 403 invalidates the token and
// fails with an *apierror.AuthError. Any other status of 400 or above fails
// with an *apierror.UpstreamError.
//
// target is either a path relative to the API base or an absolute URL, which
// is used verbatim. params are ignored for absolute URLs.
func (c *Client) Request(ctx context.Context, ts TokenSource, method, target string, params url.Values) (*Response, error) {
	u, err := c.resolve(target, params)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	throttleBackoff := c.newBackoff()
	transportBackoff := c.newBackoff()
	var throttled, transient int

	for attempt := 1; ; attempt++ {
		out := c.attempt(ctx, ts, method, u)

		var delay time.Duration
		switch out.kind {
		case outcomeSuccess:
			out.resp.Attempts = attempt
			return out.resp, nil

		case outcomeThrottled:
			throttled++
			if throttled >= c.cfg.MaxAttempts {
				c.metrics.observeExhausted(retryReasonThrottled)
				return nil, &apierror.ThrottlingError{Attempts: attempt, RetryAfter: max(out.retryAfter, 0)}
			}
			// The schedule advances on every throttle so a later missing
			// Retry-After still backs off further.
			delay = throttleBackoff.NextBackOff()
			if out.retryAfter != noRetryAfter {
				delay = out.retryAfter
			}
			delay = min(delay, c.cfg.MaxBackoff)
			c.metrics.observeRetry(retryReasonThrottled)
			logger.DebugContext(ctx, "request throttled",
				"method", method,
				"url", u,
				"attempt", attempt,
				"delay", delay.String(),
			)

		case outcomeTransient:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s %s: %w", method, u, ctx.Err())
			}
			transient++
			if transient >= c.cfg.MaxAttempts {
				c.metrics.observeExhausted(retryReasonTransport)
				return nil, &apierror.TransportError{Attempts: attempt, Err: out.err}
			}
			delay = min(transportBackoff.NextBackOff(), c.cfg.MaxBackoff)
			c.metrics.observeRetry(retryReasonTransport)
			logger.DebugContext(ctx, "transport failure, retrying",
				"method", method,
				"url", u,
				"attempt", attempt,
				"delay", delay.String(),
				"error", out.err,
			)

		case outcomeAuthFailure:
			ts.Invalidate()
			return nil, out.err

		default:
			return nil, out.err
		}

		if delay <= 0 {
			continue
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, u, err)
		}
	}
}

// attempt performs and classifies a single HTTP attempt.
func (c *Client) attempt(ctx context.Context, ts TokenSource, method, u string) *outcome {
	token, err := ts.Token(ctx)
	if err != nil {
		// The broker already reports token endpoint failures as auth errors.
		return &outcome{kind: outcomeFailed, err: fmt.Errorf("failed to get token: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return &outcome{kind: outcomeFailed, err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeAttempt(method, 0)
		return &outcome{kind: outcomeTransient, err: err}
	}
	defer resp.Body.Close()
	c.metrics.observeAttempt(method, resp.StatusCode)

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return &outcome{kind: outcomeThrottled, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &outcome{kind: outcomeAuthFailure, err: &apierror.AuthError{
			Op:          method + " " + req.URL.Path,
			StatusCode:  code,
			Description: readErrorBody(resp.Body),
		}}

	case code >= http.StatusBadRequest:
		return &outcome{kind: outcomeFailed, err: &apierror.UpstreamError{
			StatusCode: code,
			Body:       readErrorBody(resp.Body),
		}}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &outcome{kind: outcomeTransient, err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return &outcome{kind: outcomeSuccess, resp: &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}}
}

func (c *Client) resolve(target string, params url.Values) (string, error) {
	if strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://") {
		if _, err := url.Parse(target); err != nil {
			return "", fmt.Errorf("invalid url %q: %w", target, err)
		}
		return target, nil
	}
	u, err := url.Parse(strings.TrimSuffix(c.cfg.APIBase, "/") + "/" + strings.TrimPrefix(target, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", target, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		// OData parameter names start with '$', which Encode escapes. The
		// platform accepts both forms.
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.InitialBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(c.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(backoffClock{c.clock}),
	)
}

// backoffClock drops the tags parameter quartz adds to Now, which keeps a
// quartz.Clock from satisfying backoff.Clock directly.
type backoffClock struct {
	quartz.Clock
}

func (c backoffClock) Now() time.Time {
	return c.Clock.Now()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.NewTimer(d, "graph", "backoff")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Want passthrough
	case <-t.C:
		return nil
	}
}

// parseRetryAfter returns the Retry-After delay in whole seconds, or
// noRetryAfter when the header is missing or not a non-negative integer. A
// value of zero asks for an immediate retry.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return noRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return fmt.Sprintf("<unreadable body: %v>", err)
	}
	return strings.TrimSpace(string(b))
}
