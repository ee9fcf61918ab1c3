// Package manifest describes the content of one snapshot directory: the
// index and blob files it holds, their sizes and checksums, and state
// recorded by later verification runs.
package manifest

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/PlakarLabs/backupstore/blob"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	Filename = "manifest.blob"
	VERSION  = 1
)

type ArchiveType string

const (
	FixedIndex   ArchiveType = "fixed"
	DynamicIndex ArchiveType = "dynamic"
	Blob         ArchiveType = "blob"
)

// ArchiveTypeOf derives the archive type from a file name extension.
func ArchiveTypeOf(name string) (ArchiveType, error) {
	switch filepath.Ext(name) {
	case ".fidx":
		return FixedIndex, nil
	case ".didx":
		return DynamicIndex, nil
	case ".blob":
		return Blob, nil
	}
	return "", fmt.Errorf("unknown archive type for %q", name)
}

type File struct {
	Filename string
	Type     ArchiveType
	Size     uint64
	Checksum [32]byte
}

type VerifyState struct {
	State    string
	Time     time.Time
	Hostname string
	Corrupt  []string
	Missing  []string
}

// Unprotected holds fields that may change after the snapshot is
// finalized. They are not covered by the snapshot's file checksums.
type Unprotected struct {
	Verify *VerifyState
	Notes  string
}

type Manifest struct {
	Version      int
	BackupType   string
	BackupID     string
	BackupTime   time.Time
	CreationTime time.Time
	Duration     time.Duration

	Hostname  string
	Username  string
	MachineID string
	ProcessID int

	Comment     string
	Fingerprint string
	Files       []File

	Unprotected Unprotected
}

func New(backupType string, backupID string, backupTime time.Time) *Manifest {
	return &Manifest{
		Version:      VERSION,
		BackupType:   backupType,
		BackupID:     backupID,
		BackupTime:   backupTime.UTC(),
		CreationTime: time.Now().UTC(),
		Files:        make([]File, 0),
	}
}

// Add registers a file, replacing any previous entry of the same name.
func (m *Manifest) Add(file File) error {
	if file.Filename == "" || filepath.Base(file.Filename) != file.Filename || file.Filename == Filename {
		return fmt.Errorf("invalid archive name %q", file.Filename)
	}
	if file.Filename[0] == '.' {
		return fmt.Errorf("invalid archive name %q", file.Filename)
	}
	if file.Type == "" {
		t, err := ArchiveTypeOf(file.Filename)
		if err != nil {
			return err
		}
		file.Type = t
	}
	for i := range m.Files {
		if m.Files[i].Filename == file.Filename {
			m.Files[i] = file
			return nil
		}
	}
	m.Files = append(m.Files, file)
	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].Filename < m.Files[j].Filename
	})
	return nil
}

func (m *Manifest) Lookup(name string) (File, bool) {
	for _, file := range m.Files {
		if file.Filename == name {
			return file, true
		}
	}
	return File{}, false
}

func (m *Manifest) Serialize() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	return blob.Encode(data, blob.Options{})
}

func Deserialize(raw []byte) (*Manifest, error) {
	data, err := blob.Decode(raw, nil)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", errs.ErrCorrupt, err)
	}
	if m.Version != VERSION {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", errs.ErrCorrupt, m.Version)
	}
	return &m, nil
}

// Load reads the manifest of the snapshot stored in dir.
func Load(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		}
		return nil, errs.IO("read manifest", err)
	}
	m, err := Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return m, nil
}

// Store writes the manifest into dir, atomically replacing any previous
// one.
func Store(dir string, m *Manifest) error {
	raw, err := m.Serialize()
	if err != nil {
		return err
	}

	fp, err := os.CreateTemp(dir, "."+Filename+".tmp_*")
	if err != nil {
		return errs.IO("create manifest", err)
	}
	tmp := fp.Name()
	defer os.Remove(tmp)

	if _, err := fp.Write(raw); err != nil {
		fp.Close()
		return errs.IO("write manifest", err)
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return errs.IO("sync manifest", err)
	}
	if err := fp.Close(); err != nil {
		return errs.IO("close manifest", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, Filename)); err != nil {
		return errs.IO("rename manifest", err)
	}
	return nil
}
