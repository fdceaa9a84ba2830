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

// Package report decodes the platform's tabular usage reports and merges them
// per user principal.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row is one data row keyed by header name.
type Row struct {
	// Line is the 1-based line number in the report.
	Line   int
	Fields map[string]string
}

// Get returns the value of column, or "" when absent.
func (r *Row) Get(column string) string {
	return r.Fields[column]
}

// RowError describes a row that could not be used.
type RowError struct {
	Line int
	// Principal is set when the row got far enough to identify a user.
	Principal string
	Err       error
}

func (e *RowError) Error() string {
	if e.Principal != "" {
		return fmt.Sprintf("line %d (%s): %v", e.Line, e.Principal, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Table is a parsed report.
type Table struct {
	Header []string
	Rows   []*Row
	// Malformed holds rows skipped because they could not be split into
	// exactly one field per header column.
	Malformed []*RowError
}

// Parse reads a comma-delimited report whose first line is the header.
// Malformed rows are skipped and recorded; they never abort parsing.
func Parse(raw string) (*Table, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(raw, "\ufeff")))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("report is empty")
		}
		return nil, fmt.Errorf("failed to read report header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	t := &Table{Header: header}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("failed to read report: %w", err)
			}
			t.Malformed = append(t.Malformed, &RowError{Line: perr.StartLine, Err: perr.Err})
			continue
		}

		line, _ := r.FieldPos(0)
		if len(record) != len(header) {
			t.Malformed = append(t.Malformed, &RowError{
				Line: line,
				Err:  fmt.Errorf("got %d columns, header has %d", len(record), len(header)),
			})
			continue
		}

		fields := make(map[string]string, len(header))
		for i, h := range header {
			fields[h] = strings.TrimSpace(record[i])
		}
		t.Rows = append(t.Rows, &Row{Line: line, Fields: fields})
	}
	return t, nil
}
