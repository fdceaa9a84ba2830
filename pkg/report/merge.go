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
	"time"
)

// MergedUsageRecord is the usage of one principal across the four reports.
// Blocks are nil when the principal did not appear in that report; at least
// one is always set.
type MergedUsageRecord struct {
	UserPrincipalName string            `json:"user_principal_name"`
	Mail              *MailActivity     `json:"mail,omitempty"`
	FileSync          *FileSyncActivity `json:"file_sync,omitempty"`
	Site              *SiteActivity     `json:"site,omitempty"`
	Chat              *ChatActivity     `json:"chat,omitempty"`
}

// Blocks lists the report kinds that contributed to the record.
func (r *MergedUsageRecord) Blocks() []Kind {
	var kinds []Kind
	if r.Mail != nil {
		kinds = append(kinds, KindMail)
	}
	if r.FileSync != nil {
		kinds = append(kinds, KindFileSync)
	}
	if r.Site != nil {
		kinds = append(kinds, KindSite)
	}
	if r.Chat != nil {
		kinds = append(kinds, KindChat)
	}
	return kinds
}

// LastActivityDate is the latest activity date across all blocks.
func (r *MergedUsageRecord) LastActivityDate() time.Time {
	var dates []time.Time
	if r.Mail != nil {
		dates = append(dates, r.Mail.LastActivityDate)
	}
	if r.FileSync != nil {
		dates = append(dates, r.FileSync.LastActivityDate)
	}
	if r.Site != nil {
		dates = append(dates, r.Site.LastActivityDate)
	}
	if r.Chat != nil {
		dates = append(dates, r.Chat.LastActivityDate)
	}

	var latest time.Time
	for _, d := range dates {
		if d.After(latest) {
			latest = d
		}
	}
	return latest
}

// Merge left-merges the four reports by principal. Keys are PrincipalKey
// values. When a report lists a principal twice the later row wins.
func Merge(mail []*MailActivity, files []*FileSyncActivity, sites []*SiteActivity, chats []*ChatActivity) map[string]*MergedUsageRecord {
	out := make(map[string]*MergedUsageRecord)
	get := func(upn string) *MergedUsageRecord {
		key := PrincipalKey(upn)
		rec, ok := out[key]
		if !ok {
			rec = &MergedUsageRecord{UserPrincipalName: upn}
			out[key] = rec
		}
		return rec
	}

	for _, m := range mail {
		get(m.UserPrincipalName).Mail = m
	}
	for _, f := range files {
		get(f.UserPrincipalName).FileSync = f
	}
	for _, s := range sites {
		get(s.UserPrincipalName).Site = s
	}
	for _, c := range chats {
		get(c.UserPrincipalName).Chat = c
	}
	return out
}
