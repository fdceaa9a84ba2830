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
	"net/url"
	"strconv"

	"github.com/abcxyz/tenant-sync/pkg/paging"
)

// collectionPage is the envelope of a list endpoint.
type collectionPage struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

func (p *collectionPage) Content() []json.RawMessage {
	return p.Value
}

func (p *collectionPage) NextCursor() string {
	return p.NextLink
}

// RequestPaginated lists a collection, following @odata.nextLink verbatim
// until it is absent or maxPages pages have been fetched. A pageSize or
// maxPages below one uses the client's configured value.
func (c *Client) RequestPaginated(ctx context.Context, ts TokenSource, path string, params url.Values, pageSize, maxPages int) ([]json.RawMessage, error) {
	if pageSize < 1 {
		pageSize = c.cfg.PageSize
	}
	if maxPages < 1 {
		maxPages = c.cfg.MaxPages
	}

	first := url.Values{}
	for k, vs := range params {
		first[k] = append([]string(nil), vs...)
	}
	first.Set("$top", strconv.Itoa(pageSize))

	pager := func(ctx context.Context, cursor string) (paging.Page[json.RawMessage], error) {
		target, q := path, first
		if cursor != "" {
			target, q = cursor, nil
		}
		resp, err := c.Request(ctx, ts, http.MethodGet, target, q)
		if err != nil {
			return nil, err
		}
		var page collectionPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode page of %s: %w", path, err)
		}
		return &page, nil
	}

	items, err := paging.Paginate(ctx, pager, maxPages)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	return items, nil
}

// Get fetches a single resource and decodes its JSON body into out.
func (c *Client) Get(ctx context.Context, ts TokenSource, path string, params url.Values, out any) error {
	resp, err := c.Request(ctx, ts, http.MethodGet, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
