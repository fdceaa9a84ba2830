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

package report

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPeriod is returned for a period outside the fixed set of
// reporting windows.
var ErrInvalidPeriod = errors.New("invalid report period")

// Period is a reporting window.
type Period string

const (
	PeriodD7   Period = "D7"
	PeriodD28  Period = "D28"
	PeriodD90  Period = "D90"
	PeriodD180 Period = "D180"
)

// Periods lists every valid period, shortest first.
var Periods = []Period{PeriodD7, PeriodD28, PeriodD90, PeriodD180}

// ParsePeriod parses a period such as "D28". Matching is case-insensitive.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w %q, must be one of %v", ErrInvalidPeriod, s, Periods)
	}
	return p, nil
}

func (p Period) Valid() bool {
	switch p {
	case PeriodD7, PeriodD28, PeriodD90, PeriodD180:
		return true
	default:
		return false
	}
}

// Kind is one of the four usage reports.
type Kind string

const (
	KindMail     Kind = "mail"
	KindFileSync Kind = "file_sync"
	KindSite     Kind = "site"
	KindChat     Kind = "chat"
)

// Kinds lists every report kind in merge order.
var Kinds = []Kind{KindMail, KindFileSync, KindSite, KindChat}

var endpoints = map[Kind]string{
	KindMail:     "getEmailActivityUserDetail",
	KindFileSync: "getOneDriveActivityUserDetail",
	KindSite:     "getSharePointActivityUserDetail",
	KindChat:     "getTeamsUserActivityUserDetail",
}

// Path returns the API path of the report for period.
func (k Kind) Path(p Period) string {
	return fmt.Sprintf("reports/%s(period='%s')", endpoints[k], p)
}
