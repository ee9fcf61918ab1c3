package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/prune"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailySnapshots(t *testing.T, ds *Datastore, group backup.Group, days int) []backup.Dir {
	t.Helper()
	ret := make([]backup.Dir, 0, days)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for day := 0; day < days; day++ {
		dir := writeSnapshot(t, ds, group, start.AddDate(0, 0, day), map[string][]byte{
			"root.didx": randomBytes(int64(100+day), 512),
		})
		ret = append(ret, dir)
	}
	return ret
}

func keptDirs(decisions []prune.Decision) []string {
	ret := make([]string, 0)
	for _, d := range decisions {
		if d.Keep {
			ret = append(ret, d.Snapshot.Dir.String())
		}
	}
	return ret
}

func TestPruneExample(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	group := mustGroup(t, backup.TypeVM, "900")
	dirs := dailySnapshots(t, ds, group, 10)
	keep := prune.KeepOptions{Last: prune.Keep(2), Daily: prune.Keep(3)}

	dry, err := ds.Prune(ctx, group, keep, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Empty(t, dry.Removed)
	assert.Equal(t, []string{dirs[9].String(), dirs[8].String(), dirs[7].String()}, keptDirs(dry.Decisions))

	snapshots, err := ds.ListSnapshots(group)
	require.NoError(t, err)
	assert.Len(t, snapshots, 10, "dry run must not remove anything")

	applied, err := ds.Prune(ctx, group, keep, false)
	require.NoError(t, err)
	assert.True(t, applied.Success)
	assert.Equal(t, keptDirs(dry.Decisions), keptDirs(applied.Decisions))
	assert.Len(t, applied.Removed, 7)
	for i, d := range dry.Decisions {
		assert.Equal(t, d.Keep, applied.Decisions[i].Keep)
	}

	snapshots, err = ds.ListSnapshots(group)
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)
	assert.False(t, applied.GroupRemoved)
}

func TestPruneKeepsProtected(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	group := mustGroup(t, backup.TypeCT, "901")
	dirs := dailySnapshots(t, ds, group, 5)
	require.NoError(t, ds.SetProtected(ctx, dirs[0], true))

	report, err := ds.Prune(ctx, group, prune.KeepOptions{Last: prune.Keep(1)}, false)
	require.NoError(t, err)
	assert.Len(t, report.Removed, 3)

	snapshots, err := ds.ListSnapshots(group)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.True(t, snapshots[0].Dir.Equal(dirs[4]))
	assert.True(t, snapshots[1].Dir.Equal(dirs[0]))
	assert.True(t, snapshots[1].Protected)
}

func TestPruneRemovesEmptyGroup(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	group := mustGroup(t, backup.TypeHost, "gone")
	dailySnapshots(t, ds, group, 3)

	report, err := ds.Prune(ctx, group, prune.KeepOptions{Last: prune.Keep(0)}, false)
	require.NoError(t, err)
	assert.Len(t, report.Removed, 3)
	assert.True(t, report.GroupRemoved)

	groups, err := ds.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestPruneNoPolicyKeepsAll(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	group := mustGroup(t, backup.TypeHost, "all")
	dailySnapshots(t, ds, group, 4)

	report, err := ds.Prune(context.Background(), group, prune.KeepOptions{}, false)
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.Len(t, report.Kept(), 4)
}

func TestPruneConflictsWithSession(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	group := mustGroup(t, backup.TypeVM, "902")

	s, err := ds.BeginBackup(ctx, group, time.Now())
	require.NoError(t, err)
	defer s.Abort()

	_, err = ds.Prune(ctx, group, prune.KeepOptions{Last: prune.Keep(1)}, true)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPruneInvalidPolicy(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	_, err := ds.Prune(context.Background(), mustGroup(t, backup.TypeVM, "903"), prune.KeepOptions{Daily: prune.Keep(-2)}, true)
	assert.Error(t, err)
}
