package datastore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PlakarLabs/backupstore/backup"
	"github.com/PlakarLabs/backupstore/events"
	"github.com/PlakarLabs/backupstore/index"
	"github.com/PlakarLabs/backupstore/manifest"
	"github.com/PlakarLabs/backupstore/markset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCRemovesUnreferencedChunks(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	dir := writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "400"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(11, 16*4096),
	})
	orphan := orphanChunk(t, ds, 12)
	ageChunks(t, ds, 2*time.Hour)

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 16, report.Marked)
	assert.Equal(t, 16, report.Kept)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 0, report.Pending)
	assert.Empty(t, report.Missing)
	assert.Equal(t, 1, report.IndexCount)
	assert.Equal(t, uint64(16*4096), report.IndexBytes)

	exists, err := ds.store.Contains(orphan)
	require.NoError(t, err)
	assert.False(t, exists)

	verify, err := ds.Verify(ctx, dir)
	require.NoError(t, err)
	assert.True(t, verify.Success)

	status, err := ds.LastGCStatus()
	require.NoError(t, err)
	assert.Equal(t, report.Removed, status.Removed)

	persisted, err := readGCStatus(filepath.Join(ds.root, GCStatusFilename))
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.Removed)
	assert.Equal(t, 16, persisted.Marked)
}

func TestGCGracePeriod(t *testing.T) {
	ds := newTestDatastore(t, Options{GracePeriod: time.Hour})
	ctx := context.Background()
	orphan := orphanChunk(t, ds, 13)

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 1, report.Pending)

	exists, err := ds.store.Contains(orphan)
	require.NoError(t, err)
	assert.True(t, exists, "a chunk younger than the grace period must survive")

	ageChunks(t, ds, 30*time.Minute)
	report, err = ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Removed)

	ageChunks(t, ds, 2*time.Hour)
	report, err = ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
}

func TestGCDeduplicatedInsertRefreshesChunk(t *testing.T) {
	ds := newTestDatastore(t, Options{GracePeriod: time.Hour})
	ctx := context.Background()
	data := randomBytes(14, 2000)

	digest, _, err := ds.store.InsertData(data)
	require.NoError(t, err)
	ageChunks(t, ds, 2*time.Hour)

	s, err := ds.BeginBackup(ctx, mustGroup(t, backup.TypeHost, "dedup"), time.Now())
	require.NoError(t, err)
	_, err = s.InsertChunk(digest, data)
	require.NoError(t, err)
	require.NoError(t, s.Abort())

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 1, report.Pending)
}

func TestGCSkipsInFlightChunks(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()

	s, err := ds.BeginBackup(ctx, mustGroup(t, backup.TypeHost, "inflight"), time.Now())
	require.NoError(t, err)
	digest, _, err := s.InsertChunkData(randomBytes(15, 3000))
	require.NoError(t, err)
	ageChunks(t, ds, 48*time.Hour)

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 1, report.InFlight)

	exists, err := ds.store.Contains(digest)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Abort())
	report, err = ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
}

func TestGCUnacknowledgedCorruption(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	dir := writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "500"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(16, 4*4096),
	})
	orphan := orphanChunk(t, ds, 17)
	ageChunks(t, ds, 2*time.Hour)

	path := filepath.Join(ds.snapshotPath(dir), "disk.fidx")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[index.HeaderSize+1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0600))

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.True(t, report.SweepSkipped)
	assert.Len(t, report.Corrupt, 1)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 5, report.Retained)

	exists, err := ds.store.Contains(orphan)
	require.NoError(t, err)
	assert.True(t, exists, "nothing may be removed while corruption is unacknowledged")

	report, err = ds.RunGC(ctx, GCOptions{AcknowledgeCorrupt: true})
	require.NoError(t, err)
	assert.False(t, report.SweepSkipped)
	assert.Equal(t, 5, report.Removed)

	exists, err = ds.store.Contains(orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGCUnreadableSnapshotAmongHealthy(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()
	broken := writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "510"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(35, 2*4096),
	})
	healthy := writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "511"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(36, 3*4096),
	})
	orphan := orphanChunk(t, ds, 37)
	ageChunks(t, ds, 2*time.Hour)

	path := filepath.Join(ds.snapshotPath(broken), manifest.Filename)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0700))

	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.True(t, report.SweepSkipped)
	require.Len(t, report.Corrupt, 1)
	assert.Contains(t, report.Corrupt[0], broken.String())
	assert.Equal(t, 2, report.IndexCount, "indexes are still found by scanning the snapshot")
	assert.Equal(t, 5, report.Marked)
	assert.Equal(t, 0, report.Removed)

	exists, err := ds.store.Contains(orphan)
	require.NoError(t, err)
	assert.True(t, exists)

	report, err = ds.RunGC(ctx, GCOptions{AcknowledgeCorrupt: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 5, report.Kept)

	verify, err := ds.Verify(ctx, healthy)
	require.NoError(t, err)
	assert.True(t, verify.Success)
}

func TestGCReportsMissingChunks(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	dir := writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "512"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(38, 4*4096),
	})
	idx, err := ds.OpenIndex(dir, "disk.fidx")
	require.NoError(t, err)
	lost := idx.Entry(2).Digest
	require.NoError(t, ds.store.Backend().Delete(lost))

	report, err := ds.RunGC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Marked)
	assert.Equal(t, 3, report.Kept)
	assert.Equal(t, []string{lost.String()}, report.Missing)
}

// TestGCSessionInOtherInstance runs a collection from a second Datastore
// on the same root, as another process would, while a session that has
// outlived the grace period is still open.
func TestGCSessionInOtherInstance(t *testing.T) {
	grace := 200 * time.Millisecond
	writer := newTestDatastore(t, Options{GracePeriod: grace})
	collector, err := Open(writer.root, Options{Context: testContext(), GracePeriod: grace})
	require.NoError(t, err)
	defer collector.Close()
	ctx := context.Background()

	s, err := writer.BeginBackup(ctx, mustGroup(t, backup.TypeVM, "513"), time.Now())
	require.NoError(t, err)
	idx, err := s.CreateFixedIndex("disk.fidx", 4096)
	require.NoError(t, err)
	digest, _, err := s.InsertChunkData(randomBytes(39, 4096))
	require.NoError(t, err)
	time.Sleep(3 * grace)

	report, err := collector.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Writers)
	assert.Equal(t, 0, report.Removed)
	assert.Equal(t, 1, report.Pending)

	require.NoError(t, idx.Append(digest, 4096))
	_, err = idx.Close()
	require.NoError(t, err)
	dir, err := s.Finish("")
	require.NoError(t, err)

	verify, err := collector.Verify(ctx, dir)
	require.NoError(t, err)
	assert.True(t, verify.Success)

	report, err = collector.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Writers)
	assert.Equal(t, 1, report.Kept)
}

func TestGCRemovesStaleTempFiles(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	digest := orphanChunk(t, ds, 18)

	bucket := filepath.Join(ds.root, chunksDirname, digest.Bucket())
	stale := filepath.Join(bucket, digest.String()+".tmp_crashed")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0600))
	ageChunks(t, ds, 2*time.Hour)

	report, err := ds.RunGC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TempRemoved)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestGCExclusive(t *testing.T) {
	ds := newTestDatastore(t, Options{})

	ds.gcMutex.Lock()
	_, err := ds.RunGC(context.Background(), GCOptions{})
	ds.gcMutex.Unlock()
	assert.ErrorIs(t, err, ErrConflict)

	other, err := Open(ds.root, Options{Context: testContext()})
	require.NoError(t, err)
	defer other.Close()

	lock, err := ds.tryLock(ds.gcLockPath(), "garbage collection", "test")
	require.NoError(t, err)
	_, err = other.RunGC(context.Background(), GCOptions{})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, lock.Unlock())

	_, err = other.RunGC(context.Background(), GCOptions{})
	assert.NoError(t, err)
}

func TestGCCancelled(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "600"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(19, 4096),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := ds.RunGC(ctx, GCOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.False(t, report.Success)
}

func TestGCLevelDBMarkSet(t *testing.T) {
	ds := newTestDatastore(t, Options{MarkSet: markset.LevelDB})
	writeSnapshot(t, ds, mustGroup(t, backup.TypeVM, "700"), time.Now(), map[string][]byte{
		"disk.fidx": randomBytes(20, 8*4096),
	})
	orphanChunk(t, ds, 21)
	ageChunks(t, ds, 2*time.Hour)

	report, err := ds.RunGC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, report.Marked)
	assert.Equal(t, 1, report.Removed)

	entries, err := os.ReadDir(filepath.Join(ds.root, tmpDirname))
	require.NoError(t, err)
	assert.Empty(t, entries, "on-disk mark set must be cleaned up")
}

func TestGCEvents(t *testing.T) {
	ctx := testContext()
	ds := newTestDatastore(t, Options{Context: ctx})
	orphanChunk(t, ds, 22)
	ageChunks(t, ds, 2*time.Hour)

	listener := ctx.Events().Listen()
	removed := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range listener {
			if _, ok := event.(events.ChunkRemoved); ok {
				removed++
			}
		}
	}()

	_, err := ds.RunGC(context.Background(), GCOptions{})
	require.NoError(t, err)
	ctx.Events().Close()
	<-done
	assert.Equal(t, 1, removed)
}

// TestGCSafetyUnderConcurrentInserts runs collections while sessions
// reuse chunks that are unreferenced and old enough to be swept. Every
// snapshot finished this way must verify afterwards.
func TestGCSafetyUnderConcurrentInserts(t *testing.T) {
	ds := newTestDatastore(t, Options{})
	ctx := context.Background()

	shared := randomBytes(23, 32*4096)
	base := writeSnapshot(t, ds, mustGroup(t, backup.TypeHost, "base"), time.Now(), map[string][]byte{
		"shared.fidx": shared,
	})
	require.NoError(t, ds.RemoveSnapshot(ctx, base, false))
	ageChunks(t, ds, 2*time.Hour)

	const workers = 4
	const rounds = 5

	var wg sync.WaitGroup
	stop := make(chan struct{})
	gcErrors := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(gcErrors)
				return
			default:
			}
			if _, err := ds.RunGC(ctx, GCOptions{}); err != nil {
				gcErrors <- err
				close(gcErrors)
				return
			}
		}
	}()

	dirs := make(chan backup.Dir, workers*rounds)
	errs := make(chan error, workers*rounds)
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			group, _ := backup.NewGroup(backup.TypeVM, fmt.Sprintf("%d", 800+w))
			for r := 0; r < rounds; r++ {
				data := append(append([]byte{}, shared...), randomBytes(int64(1000*w+r), 4*4096)...)
				s, err := ds.BeginBackup(ctx, group, start.Add(time.Duration(r)*time.Hour))
				if err != nil {
					errs <- err
					return
				}
				if _, err := s.WriteFile(ctx, "disk.fidx", bytes.NewReader(data), 4096); err != nil {
					s.Abort()
					errs <- err
					return
				}
				dir, err := s.Finish("")
				if err != nil {
					errs <- err
					return
				}
				dirs <- dir
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	close(dirs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for err := range gcErrors {
		require.NoError(t, err)
	}

	ageChunks(t, ds, 2*time.Hour)
	report, err := ds.RunGC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Missing)

	count := 0
	for dir := range dirs {
		count++
		verify, err := ds.Verify(ctx, dir)
		require.NoError(t, err)
		assert.True(t, verify.Success, "snapshot %s lost chunks", dir)
	}
	assert.Equal(t, workers*rounds, count)
}
