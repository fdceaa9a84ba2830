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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	retryReasonThrottled = "throttled"
	retryReasonTransport = "transport"
)

// Metrics are the counters recorded by a Client. A nil registerer yields
// unregistered collectors.
type Metrics struct {
	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	exhausted *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantsync",
			Subsystem: "graph",
			Name:      "requests_total",
			Help:      "HTTP attempts made against the directory API. 'status_code' is 0 when no response was received.",
		}, []string{"method", "status_code"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantsync",
			Subsystem: "graph",
			Name:      "retries_total",
			Help:      "Attempts repeated after throttling or a transport failure.",
		}, []string{"reason"}),
		exhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantsync",
			Subsystem: "graph",
			Name:      "retries_exhausted_total",
			Help:      "Logical requests that failed after using up a retry budget.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeAttempt(method string, statusCode int) {
	m.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}

func (m *Metrics) observeRetry(reason string) {
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeExhausted(reason string) {
	m.exhausted.WithLabelValues(reason).Inc()
}
