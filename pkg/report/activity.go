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
	"strconv"
	"strings"
	"time"
)

// Column names shared by the usage reports.
const (
	ColumnUserPrincipalName = "User Principal Name"
	ColumnLastActivityDate  = "Last Activity Date"
	ColumnReportRefreshDate = "Report Refresh Date"
	ColumnReportPeriod      = "Report Period"
)

const dateLayout = "2006-01-02"

// Activity fields common to every report row.
type Activity struct {
	UserPrincipalName string    `json:"user_principal_name"`
	LastActivityDate  time.Time `json:"last_activity_date,omitzero"`
	ReportRefreshDate time.Time `json:"report_refresh_date,omitzero"`
	// ReportPeriodDays is the window length reported by the platform.
	ReportPeriodDays int `json:"report_period_days,omitempty"`
}

// MailActivity is a row of the email activity report.
type MailActivity struct {
	Activity
	SendCount              int64 `json:"send_count"`
	ReceiveCount           int64 `json:"receive_count"`
	ReadCount              int64 `json:"read_count"`
	MeetingCreatedCount    int64 `json:"meeting_created_count"`
	MeetingInteractedCount int64 `json:"meeting_interacted_count"`
}

// FileSyncActivity is a row of the file-sync (OneDrive) activity report.
type FileSyncActivity struct {
	Activity
	ViewedOrEditedFileCount   int64 `json:"viewed_or_edited_file_count"`
	SyncedFileCount           int64 `json:"synced_file_count"`
	SharedInternallyFileCount int64 `json:"shared_internally_file_count"`
	SharedExternallyFileCount int64 `json:"shared_externally_file_count"`
}

// SiteActivity is a row of the collaboration-site (SharePoint) activity
// report.
type SiteActivity struct {
	FileSyncActivity
	VisitedPageCount int64 `json:"visited_page_count"`
}

// ChatActivity is a row of the chat (Teams) user activity report.
type ChatActivity struct {
	Activity
	TeamChatMessageCount    int64 `json:"team_chat_message_count"`
	PrivateChatMessageCount int64 `json:"private_chat_message_count"`
	CallCount               int64 `json:"call_count"`
	MeetingCount            int64 `json:"meeting_count"`
}

// rowDecoder reads typed values out of a row, collecting conversion errors.
type rowDecoder struct {
	row  *Row
	errs []error
}

func (d *rowDecoder) int64(column string) int64 {
	v := d.row.Get(column)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("column %q: %q is not a count", column, v))
		return 0
	}
	return n
}

func (d *rowDecoder) date(column string) time.Time {
	v := d.row.Get(column)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("column %q: %q is not a date", column, v))
		return time.Time{}
	}
	return t
}

func (d *rowDecoder) activity() Activity {
	a := Activity{
		UserPrincipalName: d.row.Get(ColumnUserPrincipalName),
		LastActivityDate:  d.date(ColumnLastActivityDate),
		ReportRefreshDate: d.date(ColumnReportRefreshDate),
		ReportPeriodDays:  int(d.int64(ColumnReportPeriod)),
	}
	if a.UserPrincipalName == "" {
		d.errs = append(d.errs, fmt.Errorf("missing %q", ColumnUserPrincipalName))
	}
	return a
}

func (d *rowDecoder) err() *RowError {
	if len(d.errs) == 0 {
		return nil
	}
	return &RowError{
		Line:      d.row.Line,
		Principal: d.row.Get(ColumnUserPrincipalName),
		Err:       errors.Join(d.errs...),
	}
}

// decode applies fn to every row of t, splitting the results into records
// and row errors. Rows already rejected by Parse are carried over.
func decode[T any](t *Table, fn func(d *rowDecoder) *T) ([]*T, []*RowError) {
	out := make([]*T, 0, len(t.Rows))
	rerrs := append([]*RowError(nil), t.Malformed...)
	for _, row := range t.Rows {
		d := &rowDecoder{row: row}
		v := fn(d)
		if rerr := d.err(); rerr != nil {
			rerrs = append(rerrs, rerr)
			continue
		}
		out = append(out, v)
	}
	return out, rerrs
}

// DecodeMail decodes an email activity report.
func DecodeMail(t *Table) ([]*MailActivity, []*RowError) {
	return decode(t, func(d *rowDecoder) *MailActivity {
		return &MailActivity{
			Activity:               d.activity(),
			SendCount:              d.int64("Send Count"),
			ReceiveCount:           d.int64("Receive Count"),
			ReadCount:              d.int64("Read Count"),
			MeetingCreatedCount:    d.int64("Meeting Created Count"),
			MeetingInteractedCount: d.int64("Meeting Interacted Count"),
		}
	})
}

func decodeFileSync(d *rowDecoder) *FileSyncActivity {
	return &FileSyncActivity{
		Activity:                  d.activity(),
		ViewedOrEditedFileCount:   d.int64("Viewed Or Edited File Count"),
		SyncedFileCount:           d.int64("Synced File Count"),
		SharedInternallyFileCount: d.int64("Shared Internally File Count"),
		SharedExternallyFileCount: d.int64("Shared Externally File Count"),
	}
}

// DecodeFileSync decodes a file-sync activity report.
func DecodeFileSync(t *Table) ([]*FileSyncActivity, []*RowError) {
	return decode(t, decodeFileSync)
}

// DecodeSite decodes a collaboration-site activity report.
func DecodeSite(t *Table) ([]*SiteActivity, []*RowError) {
	return decode(t, func(d *rowDecoder) *SiteActivity {
		return &SiteActivity{
			FileSyncActivity: *decodeFileSync(d),
			VisitedPageCount: d.int64("Visited Page Count"),
		}
	})
}

// DecodeChat decodes a chat user activity report.
func DecodeChat(t *Table) ([]*ChatActivity, []*RowError) {
	return decode(t, func(d *rowDecoder) *ChatActivity {
		return &ChatActivity{
			Activity:                d.activity(),
			TeamChatMessageCount:    d.int64("Team Chat Message Count"),
			PrivateChatMessageCount: d.int64("Private Chat Message Count"),
			CallCount:               d.int64("Call Count"),
			MeetingCount:            d.int64("Meeting Count"),
		}
	})
}

// PrincipalKey normalizes a user principal name for matching across reports
// and against directory members.
func PrincipalKey(upn string) string {
	return strings.ToLower(strings.TrimSpace(upn))
}
