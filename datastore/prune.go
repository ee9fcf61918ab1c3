package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/prune"
)

type PruneReport struct {
	Group        backup.Group
	Keep         prune.KeepOptions
	DryRun       bool
	Decisions    []prune.Decision
	Removed      []backup.Dir
	GroupRemoved bool
	Errors       []string
	Success      bool
}

// Kept returns the snapshots the policy retains.
func (r *PruneReport) Kept() []backup.Dir {
	ret := make([]backup.Dir, 0)
	for _, d := range r.Decisions {
		if d.Keep {
			ret = append(ret, d.Snapshot.Dir)
		}
	}
	return ret
}

// Prune applies a retention policy to group. In dry-run mode the
// decisions are computed exactly as for a real run but nothing is
// removed. Removal failures are collected in the report.
func (ds *Datastore) Prune(ctx context.Context, group backup.Group, keep prune.KeepOptions, dryRun bool) (*PruneReport, error) {
	if err := keep.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock, err := ds.lockGroup(group, "prune")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	snapshots, err := ds.ListSnapshots(group)
	if err != nil {
		return nil, err
	}

	t0 := time.Now()
	report := &PruneReport{
		Group:     group,
		Keep:      keep,
		DryRun:    dryRun,
		Decisions: prune.Select(snapshots, keep, ds.pruneLocation),
		Removed:   make([]backup.Dir, 0),
		Errors:    make([]string, 0),
	}
	ds.logger.Trace("prune", "%s: %s selected over %d snapshots", group, keep, len(snapshots))

	if dryRun {
		report.Success = true
		return report, nil
	}

	ds.ctx.Events().Send(events.StartEvent("prune " + group.String()))
	for _, snapshot := range prune.Removals(report.Decisions) {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			break
		}
		if err := ds.removeSnapshot(snapshot.Dir, false); err != nil {
			ds.logger.Warn("%s: %s", snapshot.Dir, err)
			ds.ctx.Events().Send(events.ErrorEvent(snapshot.Dir.String(), err.Error()))
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", snapshot.Dir, err))
			continue
		}
		report.Removed = append(report.Removed, snapshot.Dir)
	}
	report.GroupRemoved = ds.removeGroupIfEmpty(group)
	report.Success = len(report.Errors) == 0

	ds.ctx.GetProfiler().RecordEvent("datastore.Prune", time.Since(t0))
	ds.logger.Info("%s: pruned %d of %d snapshots", group, len(report.Removed), len(snapshots))
	ds.ctx.Events().Send(events.DoneEvent("prune "+group.String(), report.Success))
	return report, nil
}
