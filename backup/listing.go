package backup

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ProtectedMarker is the file whose presence shields a snapshot from
// pruning and removal.
const ProtectedMarker = ".protected"

type Snapshot struct {
	Dir       Dir
	Protected bool
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ListGroups returns every group found under root. Hidden entries are
// ignored.
func ListGroups(root string) ([]Group, error) {
	ret := make([]Group, 0)
	for _, backupType := range Types {
		entries, err := os.ReadDir(filepath.Join(root, string(backupType)))
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() || hidden(entry.Name()) {
				continue
			}
			group, err := NewGroup(backupType, entry.Name())
			if err != nil {
				continue
			}
			ret = append(ret, group)
		}
	}
	return ret, nil
}

// ListSnapshots returns the finalized snapshots of a group, newest first.
// In-progress snapshots live in hidden directories and are never listed.
func ListSnapshots(root string, group Group) ([]Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(root, group.Path()))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return []Snapshot{}, nil
		}
		return nil, err
	}

	ret := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		t, err := ParseTime(entry.Name())
		if err != nil {
			continue
		}
		dir := Dir{Group: group, Time: t}
		ret = append(ret, Snapshot{Dir: dir, Protected: IsProtected(root, dir)})
	}
	SortNewestFirst(ret)
	return ret, nil
}

func SortNewestFirst(snapshots []Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Dir.Time.After(snapshots[j].Dir.Time)
	})
}

func IsProtected(root string, dir Dir) bool {
	_, err := os.Stat(filepath.Join(root, dir.Path(), ProtectedMarker))
	return err == nil
}

func SetProtected(root string, dir Dir, protected bool) error {
	marker := filepath.Join(root, dir.Path(), ProtectedMarker)
	if !protected {
		err := os.Remove(marker)
		if errors.Is(err, iofs.ErrNotExist) {
			return nil
		}
		return err
	}
	fp, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	return fp.Close()
}
