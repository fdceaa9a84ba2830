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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/abcxyz/pkg/logging"
)

func (s *Syncer) syncDirectory(ctx context.Context, t *tenant, tl *tally) error {
	params := url.Values{"$select": []string{memberSelect}}
	var raw []json.RawMessage
	if err := retryAuth(ctx, func() (err error) {
		raw, err = s.client.RequestPaginated(ctx, t.ts, "users", params, 0, 0)
		return err
	}); err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	logging.FromContext(ctx).InfoContext(ctx, "fetched directory members", "count", len(raw))

	members := make([]*Member, 0, len(raw))
	for i, r := range raw {
		m, err := decodeMember(r)
		if err != nil {
			tl.failed(fmt.Sprintf("users[%d]", i), err)
			continue
		}
		members = append(members, m)
	}

	return forEach(ctx, s.concurrency, members, func(ctx context.Context, m *Member) error {
		created, err := s.store.UpsertMember(ctx, t.id, m)
		if err != nil {
			return tl.isolate(ctx, m.ID, fmt.Errorf("failed to upsert member: %w", err))
		}
		tl.upserted(created)
		return nil
	})
}

func decodeMember(raw json.RawMessage) (*Member, error) {
	var m Member
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode member: %w", err)
	}
	if m.ID == "" {
		return nil, errors.New("member has no id")
	}
	return &m, nil
}
