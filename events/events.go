package events

import (
	"time"

	"github.com/PlakarLabs/backupstore/hashing"
)

type Event interface {
	Timestamp() time.Time
}

/**/
type Start struct {
	ts time.Time

	Operation string
}

func StartEvent(operation string) Start {
	return Start{ts: time.Now(), Operation: operation}
}
func (e Start) Timestamp() time.Time {
	return e.ts
}

/**/
type Done struct {
	ts time.Time

	Operation string
	Success   bool
}

func DoneEvent(operation string, success bool) Done {
	return Done{ts: time.Now(), Operation: operation, Success: success}
}
func (e Done) Timestamp() time.Time {
	return e.ts
}

/**/
type Warning struct {
	ts time.Time

	Subject string
	Message string
}

func WarningEvent(subject string, message string) Warning {
	return Warning{ts: time.Now(), Subject: subject, Message: message}
}
func (e Warning) Timestamp() time.Time {
	return e.ts
}

/**/
type Error struct {
	ts time.Time

	Subject string
	Message string
}

func ErrorEvent(subject string, message string) Error {
	return Error{ts: time.Now(), Subject: subject, Message: message}
}
func (e Error) Timestamp() time.Time {
	return e.ts
}

/**/
type GCMarkProgress struct {
	ts time.Time

	GroupsDone  int
	GroupsTotal int
}

func GCMarkProgressEvent(done int, total int) GCMarkProgress {
	return GCMarkProgress{ts: time.Now(), GroupsDone: done, GroupsTotal: total}
}
func (e GCMarkProgress) Timestamp() time.Time {
	return e.ts
}

/**/
type GCSweepProgress struct {
	ts time.Time

	BucketsDone  int
	BucketsTotal int
}

func GCSweepProgressEvent(done int, total int) GCSweepProgress {
	return GCSweepProgress{ts: time.Now(), BucketsDone: done, BucketsTotal: total}
}
func (e GCSweepProgress) Timestamp() time.Time {
	return e.ts
}

/**/
type ChunkRemoved struct {
	ts time.Time

	Digest hashing.Digest
	Size   int64
}

func ChunkRemovedEvent(digest hashing.Digest, size int64) ChunkRemoved {
	return ChunkRemoved{ts: time.Now(), Digest: digest, Size: size}
}
func (e ChunkRemoved) Timestamp() time.Time {
	return e.ts
}

/**/
type SnapshotRemoved struct {
	ts time.Time

	Snapshot string
}

func SnapshotRemovedEvent(snapshot string) SnapshotRemoved {
	return SnapshotRemoved{ts: time.Now(), Snapshot: snapshot}
}
func (e SnapshotRemoved) Timestamp() time.Time {
	return e.ts
}

/**/
type FileOK struct {
	ts time.Time

	Snapshot string
	Filename string
}

func FileOKEvent(snapshot string, filename string) FileOK {
	return FileOK{ts: time.Now(), Snapshot: snapshot, Filename: filename}
}
func (e FileOK) Timestamp() time.Time {
	return e.ts
}

/**/
type FileCorrupted struct {
	ts time.Time

	Snapshot string
	Filename string
	Message  string
}

func FileCorruptedEvent(snapshot string, filename string, message string) FileCorrupted {
	return FileCorrupted{ts: time.Now(), Snapshot: snapshot, Filename: filename, Message: message}
}
func (e FileCorrupted) Timestamp() time.Time {
	return e.ts
}

/**/
type FileMissing struct {
	ts time.Time

	Snapshot string
	Filename string
}

func FileMissingEvent(snapshot string, filename string) FileMissing {
	return FileMissing{ts: time.Now(), Snapshot: snapshot, Filename: filename}
}
func (e FileMissing) Timestamp() time.Time {
	return e.ts
}
