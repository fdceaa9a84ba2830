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
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

type licenseDetail struct {
	SkuID         string `json:"skuId"`
	SkuPartNumber string `json:"skuPartNumber"`
	ServicePlans  []struct {
		ServicePlanName    string `json:"servicePlanName"`
		ProvisioningStatus string `json:"provisioningStatus"`
	} `json:"servicePlans"`
}

func (s *Syncer) syncLicenses(ctx context.Context, t *tenant, tl *tally) error {
	logger := logging.FromContext(ctx)

	// The catalog is a single unpaged collection.
	var skus struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := retryAuth(ctx, func() error {
		return s.client.Get(ctx, t.ts, "subscribedSkus", nil, &skus)
	}); err != nil {
		return fmt.Errorf("failed to list subscribed skus: %w", err)
	}
	catalog := make(map[string]*Sku, len(skus.Value))
	for i, r := range skus.Value {
		var sku Sku
		if err := json.Unmarshal(r, &sku); err != nil || sku.SkuID == "" {
			tl.failed(fmt.Sprintf("subscribedSkus[%d]", i), errors.Join(errors.New("invalid sku"), err))
			continue
		}
		catalog[strings.ToLower(sku.SkuID)] = &sku
	}
	tl.r.SkusFound = len(catalog)

	known, err := s.store.KnownMembers(ctx, t.id)
	if err != nil {
		return fmt.Errorf("failed to load known members: %w", err)
	}
	members := sortedMembers(known)
	logger.InfoContext(ctx, "fetched sku catalog",
		"skus_found", len(catalog),
		"known_members", len(members),
	)

	return forEach(ctx, s.concurrency, members, func(ctx context.Context, m *Member) error {
		path := "users/" + url.PathEscape(m.ID) + "/licenseDetails"
		var details []json.RawMessage
		if err := retryAuth(ctx, func() (err error) {
			details, err = s.client.RequestPaginated(ctx, t.ts, path, nil, 0, 0)
			return err
		}); err != nil {
			return tl.isolate(ctx, m.ID, fmt.Errorf("failed to get license details: %w", err))
		}

		for i, r := range details {
			var d licenseDetail
			if err := json.Unmarshal(r, &d); err != nil || d.SkuID == "" {
				tl.failed(fmt.Sprintf("%s/licenseDetails[%d]", m.ID, i), errors.Join(errors.New("invalid license detail"), err))
				continue
			}
			a := &LicenseAssignment{
				MemberID:      m.ID,
				SkuID:         d.SkuID,
				SkuPartNumber: d.SkuPartNumber,
			}
			if sku, ok := catalog[strings.ToLower(d.SkuID)]; ok {
				a.SkuID = sku.SkuID
				a.SkuPartNumber = cmp.Or(d.SkuPartNumber, sku.SkuPartNumber)
			} else {
				logger.DebugContext(ctx, "license outside the subscribed catalog",
					"member_id", m.ID,
					"sku_id", d.SkuID,
				)
			}
			for _, p := range d.ServicePlans {
				a.ServicePlans = append(a.ServicePlans, p.ServicePlanName)
			}
			slices.Sort(a.ServicePlans)

			key := m.ID + "/" + a.SkuID
			created, err := s.store.UpsertLicense(ctx, t.id, a)
			if err != nil {
				if err := tl.isolate(ctx, key, fmt.Errorf("failed to upsert license: %w", err)); err != nil {
					return err
				}
				continue
			}
			tl.upserted(created)
		}
		return nil
	})
}

func sortedMembers(known map[string]*Member) []*Member {
	members := make([]*Member, 0, len(known))
	for _, m := range known {
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b *Member) int {
		return strings.Compare(a.ID, b.ID)
	})
	return members
}
