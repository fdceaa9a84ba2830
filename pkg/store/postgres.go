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
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/tenant-sync/pkg/tenantsync"
)

// Schema creates the tables PostgresStore writes to. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS members (
	tenant_id           TEXT NOT NULL,
	member_id           TEXT NOT NULL,
	user_principal_name TEXT NOT NULL,
	display_name        TEXT NOT NULL DEFAULT '',
	mail                TEXT NOT NULL DEFAULT '',
	job_title           TEXT NOT NULL DEFAULT '',
	department          TEXT NOT NULL DEFAULT '',
	account_enabled     BOOLEAN NOT NULL DEFAULT FALSE,
	user_type           TEXT NOT NULL DEFAULT '',
	synced_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, member_id)
);

CREATE TABLE IF NOT EXISTS license_assignments (
	tenant_id       TEXT NOT NULL,
	member_id       TEXT NOT NULL,
	sku_id          TEXT NOT NULL,
	sku_part_number TEXT NOT NULL DEFAULT '',
	service_plans   TEXT[] NOT NULL DEFAULT '{}',
	synced_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, member_id, sku_id)
);

CREATE TABLE IF NOT EXISTS usage_records (
	tenant_id          TEXT NOT NULL,
	member_id          TEXT NOT NULL,
	period             TEXT NOT NULL,
	last_activity_date DATE,
	activity           JSONB NOT NULL,
	synced_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, member_id, period)
);
`

// PostgresStore is a Store backed by PostgreSQL. Upserts report whether the
// row was inserted by checking xmax, which is zero for a fresh tuple.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url and verifies the
// connection.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logging.FromContext(ctx).DebugContext(ctx, "applied store schema")
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) UpsertMember(ctx context.Context, tenantID string, m *tenantsync.Member) (bool, error) {
	const q = `
INSERT INTO members (tenant_id, member_id, user_principal_name, display_name, mail,
	job_title, department, account_enabled, user_type, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (tenant_id, member_id) DO UPDATE SET
	user_principal_name = EXCLUDED.user_principal_name,
	display_name = EXCLUDED.display_name,
	mail = EXCLUDED.mail,
	job_title = EXCLUDED.job_title,
	department = EXCLUDED.department,
	account_enabled = EXCLUDED.account_enabled,
	user_type = EXCLUDED.user_type,
	synced_at = EXCLUDED.synced_at
RETURNING (xmax = 0)`

	var created bool
	if err := s.pool.QueryRow(ctx, q, tenantID, m.ID, m.UserPrincipalName, m.DisplayName, m.Mail,
		m.JobTitle, m.Department, m.AccountEnabled, m.UserType,
	).Scan(&created); err != nil {
		return false, fmt.Errorf("upsert member %s: %w", m.ID, err)
	}
	return created, nil
}

func (s *PostgresStore) KnownMembers(ctx context.Context, tenantID string) (map[string]*tenantsync.Member, error) {
	const q = `
SELECT member_id, user_principal_name, display_name, mail, job_title, department,
	account_enabled, user_type
FROM members
WHERE tenant_id = $1`

	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*tenantsync.Member, error) {
		var m tenantsync.Member
		err := row.Scan(&m.ID, &m.UserPrincipalName, &m.DisplayName, &m.Mail, &m.JobTitle,
			&m.Department, &m.AccountEnabled, &m.UserType)
		return &m, err //nolint:wrapcheck // Wrapped below
	})
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}

	out := make(map[string]*tenantsync.Member, len(members))
	for _, m := range members {
		out[m.ID] = m
	}
	return out, nil
}

func (s *PostgresStore) UpsertLicense(ctx context.Context, tenantID string, l *tenantsync.LicenseAssignment) (bool, error) {
	const q = `
INSERT INTO license_assignments (tenant_id, member_id, sku_id, sku_part_number, service_plans, synced_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (tenant_id, member_id, sku_id) DO UPDATE SET
	sku_part_number = EXCLUDED.sku_part_number,
	service_plans = EXCLUDED.service_plans,
	synced_at = EXCLUDED.synced_at
RETURNING (xmax = 0)`

	plans := l.ServicePlans
	if plans == nil {
		plans = []string{}
	}
	var created bool
	if err := s.pool.QueryRow(ctx, q, tenantID, l.MemberID, l.SkuID, l.SkuPartNumber, plans).Scan(&created); err != nil {
		return false, fmt.Errorf("upsert license %s/%s: %w", l.MemberID, l.SkuID, err)
	}
	return created, nil
}

func (s *PostgresStore) UpsertUsage(ctx context.Context, tenantID string, u *tenantsync.UsageRecord) (bool, error) {
	const q = `
INSERT INTO usage_records (tenant_id, member_id, period, last_activity_date, activity, synced_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (tenant_id, member_id, period) DO UPDATE SET
	last_activity_date = EXCLUDED.last_activity_date,
	activity = EXCLUDED.activity,
	synced_at = EXCLUDED.synced_at
RETURNING (xmax = 0)`

	if u.MergedUsageRecord == nil {
		return false, fmt.Errorf("usage record for member %s has no activity", u.MemberID)
	}
	activity, err := json.Marshal(u.MergedUsageRecord)
	if err != nil {
		return false, fmt.Errorf("failed to encode usage for member %s: %w", u.MemberID, err)
	}
	var lastActivity *time.Time
	if t := u.LastActivityDate(); !t.IsZero() {
		lastActivity = &t
	}

	var created bool
	if err := s.pool.QueryRow(ctx, q, tenantID, u.MemberID, string(u.Period), lastActivity, activity).Scan(&created); err != nil {
		return false, fmt.Errorf("upsert usage %s/%s: %w", u.MemberID, u.Period, err)
	}
	return created, nil
}
