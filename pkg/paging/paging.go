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

// Package paging defines a generic cursor paging pattern.
package paging

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/logging"
)

// Page is one page of a cursor-paginated collection.
type Page[T any] interface {
	Content() []T
	// NextCursor returns the continuation cursor, or "" on the last page.
	NextCursor() string
}

// Pager fetches the page identified by cursor. The first page is requested
// with an empty cursor.
type Pager[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Paginate calls pager until a page comes back without a cursor or maxPages
// pages have been fetched, whichever happens first. A maxPages of zero or
// less means a single page.
func Paginate[T any](ctx context.Context, pager Pager[T], maxPages int) ([]T, error) {
	if maxPages < 1 {
		maxPages = 1
	}
	items := make([]T, 0)
	cursor := ""
	for fetched := 0; ; {
		page, err := pager(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to get page %d: %w", fetched+1, err)
		}
		fetched++
		items = append(items, page.Content()...)

		cursor = page.NextCursor()
		if cursor == "" {
			break
		}
		if fetched >= maxPages {
			logging.FromContext(ctx).WarnContext(ctx, "page limit reached before cursor was exhausted",
				"max_pages", maxPages,
				"items", len(items),
			)
			break
		}
	}

	return items, nil
}

// StaticPage is a Page backed by a slice and a cursor.
type StaticPage[T any] struct {
	Items  []T
	Cursor string
}

func (p *StaticPage[T]) Content() []T {
	return p.Items
}

func (p *StaticPage[T]) NextCursor() string {
	return p.Cursor
}
