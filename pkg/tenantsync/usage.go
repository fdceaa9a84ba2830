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
	"net/http"
	"slices"
	"strings"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/sets"
	"github.com/abcxyz/tenant-sync/pkg/apierror"
	"github.com/abcxyz/tenant-sync/pkg/graph"
	"github.com/abcxyz/tenant-sync/pkg/report"
)

func (s *Syncer) syncUsage(ctx context.Context, t *tenant, period report.Period, tl *tally) error {
	logger := logging.FromContext(ctx).With("period", period)

	tables := make(map[report.Kind]*report.Table, len(report.Kinds))
	for _, kind := range report.Kinds {
		table, err := s.fetchReport(ctx, t, kind, period)
		if err != nil {
			if apierror.IsStageFatal(err) || ctx.Err() != nil {
				return err
			}
			logger.WarnContext(ctx, "skipping report", "report", kind, "error", err)
			tl.failed(reportKey(kind), err)
			continue
		}
		tables[kind] = table
		tl.r.ReportsFetched = append(tl.r.ReportsFetched, kind)
	}

	merged := report.Merge(
		decodeRows(tl, reportKey(report.KindMail), tables[report.KindMail], report.DecodeMail),
		decodeRows(tl, reportKey(report.KindFileSync), tables[report.KindFileSync], report.DecodeFileSync),
		decodeRows(tl, reportKey(report.KindSite), tables[report.KindSite], report.DecodeSite),
		decodeRows(tl, reportKey(report.KindChat), tables[report.KindChat], report.DecodeChat),
	)

	known, err := s.store.KnownMembers(ctx, t.id)
	if err != nil {
		return fmt.Errorf("failed to load known members: %w", err)
	}
	byPrincipal := make(map[string]*Member, len(known))
	for _, m := range known {
		byPrincipal[report.PrincipalKey(m.UserPrincipalName)] = m
	}

	unknown := sets.SubtractMapKeys(keySet(merged), keySet(byPrincipal))
	tl.skipped(len(unknown))

	records := make([]*UsageRecord, 0, len(merged)-len(unknown))
	for key, rec := range merged {
		if _, ok := unknown[key]; ok {
			continue
		}
		records = append(records, &UsageRecord{
			MemberID:          byPrincipal[key].ID,
			Period:            period,
			MergedUsageRecord: rec,
		})
	}
	slices.SortFunc(records, func(a, b *UsageRecord) int {
		return strings.Compare(a.MemberID, b.MemberID)
	})
	logger.InfoContext(ctx, "merged usage reports",
		"reports_fetched", tl.r.ReportsFetched,
		"principals", len(merged),
		"unknown_principals", len(unknown),
	)

	return forEach(ctx, s.concurrency, records, func(ctx context.Context, u *UsageRecord) error {
		created, err := s.store.UpsertUsage(ctx, t.id, u)
		if err != nil {
			return tl.isolate(ctx, u.MemberID, fmt.Errorf("failed to upsert usage: %w", err))
		}
		tl.upserted(created)
		return nil
	})
}

func (s *Syncer) fetchReport(ctx context.Context, t *tenant, kind report.Kind, period report.Period) (*report.Table, error) {
	var resp *graph.Response
	if err := retryAuth(ctx, func() (err error) {
		resp, err = s.client.Request(ctx, t.ts, http.MethodGet, kind.Path(period), nil)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to fetch %s report: %w", kind, err)
	}
	table, err := report.Parse(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s report: %w", kind, err)
	}
	return table, nil
}

// reportKey is the record error key of a report, and the prefix of its rows.
func reportKey(kind report.Kind) string {
	return "report/" + string(kind)
}

// decodeRows decodes table with fn, recording row errors. A missing table
// decodes to nothing.
func decodeRows[T any](tl *tally, prefix string, table *report.Table, fn func(*report.Table) ([]*T, []*report.RowError)) []*T {
	if table == nil {
		return nil
	}
	rows, rerrs := fn(table)
	for _, rerr := range rerrs {
		tl.failed(fmt.Sprintf("%s/line/%d", prefix, rerr.Line), rerr)
	}
	return rows
}

func keySet[V any](m map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
