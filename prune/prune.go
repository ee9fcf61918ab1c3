// Package prune selects which snapshots of a group a retention policy
// keeps. It performs no I/O.
package prune

import (
	"fmt"
	"strings"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
)

// KeepOptions holds one optional count per rule. A nil count disables the
// rule, zero enables it but keeps nothing through it.
type KeepOptions struct {
	Last    *int `yaml:"keep-last,omitempty"`
	Hourly  *int `yaml:"keep-hourly,omitempty"`
	Daily   *int `yaml:"keep-daily,omitempty"`
	Weekly  *int `yaml:"keep-weekly,omitempty"`
	Monthly *int `yaml:"keep-monthly,omitempty"`
	Yearly  *int `yaml:"keep-yearly,omitempty"`
}

func Keep(n int) *int {
	return &n
}

// Enabled reports whether any rule is configured.
func (k KeepOptions) Enabled() bool {
	return k.Last != nil || k.Hourly != nil || k.Daily != nil ||
		k.Weekly != nil || k.Monthly != nil || k.Yearly != nil
}

func (k KeepOptions) Validate() error {
	for _, r := range k.rules() {
		if r.count != nil && *r.count < 0 {
			return fmt.Errorf("keep-%s must not be negative", r.name)
		}
	}
	return nil
}

func (k KeepOptions) String() string {
	parts := make([]string, 0)
	for _, r := range k.rules() {
		if r.count != nil {
			parts = append(parts, fmt.Sprintf("keep-%s=%d", r.name, *r.count))
		}
	}
	if len(parts) == 0 {
		return "keep-all"
	}
	return strings.Join(parts, " ")
}

type rule struct {
	name   string
	count  *int
	period func(time.Time) string
}

func weekPeriod(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d/%02d", year, week)
}

func (k KeepOptions) rules() []rule {
	return []rule{
		{"last", k.Last, nil},
		{"hourly", k.Hourly, func(t time.Time) string { return t.Format("2006/01/02/15") }},
		{"daily", k.Daily, func(t time.Time) string { return t.Format("2006/01/02") }},
		{"weekly", k.Weekly, weekPeriod},
		{"monthly", k.Monthly, func(t time.Time) string { return t.Format("2006/01") }},
		{"yearly", k.Yearly, func(t time.Time) string { return t.Format("2006") }},
	}
}

const (
	ReasonProtected = "protected"
	ReasonNoPolicy  = "keep-all"
)

type Decision struct {
	Snapshot backup.Snapshot
	Keep     bool
	Reasons  []string
}

// Select decides, for every snapshot, whether it is kept. Each rule
// independently keeps the newest snapshot of each of its N most recent
// periods; keep-last keeps the N newest snapshots. The keep-set is the
// union of all rules. Protected snapshots are always kept and take no
// slot from any rule. Periods are computed in loc, UTC when nil.
// Decisions are returned newest first.
func Select(snapshots []backup.Snapshot, keep KeepOptions, loc *time.Location) []Decision {
	if loc == nil {
		loc = time.UTC
	}

	sorted := make([]backup.Snapshot, len(snapshots))
	copy(sorted, snapshots)
	backup.SortNewestFirst(sorted)

	decisions := make([]Decision, len(sorted))
	for i, snapshot := range sorted {
		decisions[i] = Decision{Snapshot: snapshot, Reasons: make([]string, 0)}
		if snapshot.Protected {
			decisions[i].Keep = true
			decisions[i].Reasons = append(decisions[i].Reasons, ReasonProtected)
		}
	}

	if !keep.Enabled() {
		for i := range decisions {
			if !decisions[i].Keep {
				decisions[i].Keep = true
				decisions[i].Reasons = append(decisions[i].Reasons, ReasonNoPolicy)
			}
		}
		return decisions
	}

	for _, r := range keep.rules() {
		if r.count == nil {
			continue
		}
		seen := make(map[string]struct{})
		for i := range decisions {
			if len(seen) >= *r.count {
				break
			}
			if decisions[i].Snapshot.Protected {
				continue
			}
			key := fmt.Sprintf("%d", i)
			if r.period != nil {
				key = r.period(decisions[i].Snapshot.Dir.Time.In(loc))
			}
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			decisions[i].Keep = true
			decisions[i].Reasons = append(decisions[i].Reasons, r.name)
		}
	}
	return decisions
}

// Removals returns the snapshots a set of decisions discards.
func Removals(decisions []Decision) []backup.Snapshot {
	ret := make([]backup.Snapshot, 0)
	for _, d := range decisions {
		if !d.Keep {
			ret = append(ret, d.Snapshot)
		}
	}
	return ret
}
