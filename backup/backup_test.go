package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseGroup(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"vm/100", true},
		{"ct/web-01", true},
		{"host/backup.example.org", true},
		{"vm/", false},
		{"vm/.hidden", false},
		{"tape/1", false},
		{"vm", false},
		{"vm/a/b", false},
	}
	for _, tt := range tests {
		g, err := ParseGroup(tt.in)
		if (err == nil) != tt.valid {
			t.Errorf("ParseGroup(%q) error = %v, valid = %v", tt.in, err, tt.valid)
			continue
		}
		if tt.valid && g.String() != tt.in {
			t.Errorf("String() = %q, want %q", g.String(), tt.in)
		}
	}
}

func TestDirRoundTrip(t *testing.T) {
	group, _ := NewGroup(TypeVM, "100")
	ts := time.Date(2024, 3, 9, 21, 30, 5, 999, time.FixedZone("CET", 3600))
	d := NewDir(group, ts)

	if d.TimeString() != "2024-03-09T20:30:05Z" {
		t.Errorf("unexpected time string %q", d.TimeString())
	}
	parsed, err := ParseDir(d.String())
	if err != nil {
		t.Fatalf("ParseDir failed: %v", err)
	}
	if !parsed.Equal(d) {
		t.Errorf("ParseDir(%q) = %v", d.String(), parsed)
	}
	if d.Path() != filepath.Join("vm", "100", "2024-03-09T20:30:05Z") {
		t.Errorf("unexpected path %q", d.Path())
	}
	if _, err := ParseDir("vm/100/yesterday"); err == nil {
		t.Errorf("expected error for invalid timestamp")
	}
}

func TestListing(t *testing.T) {
	root := t.TempDir()
	group, _ := NewGroup(TypeCT, "200")

	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, ts := range times {
		if err := os.MkdirAll(filepath.Join(root, NewDir(group, ts).Path()), 0700); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}
	_ = os.MkdirAll(filepath.Join(root, group.Path(), ".2024-01-04T00:00:00Z.tmp-1234"), 0700)
	_ = os.MkdirAll(filepath.Join(root, "ct", ".hidden"), 0700)
	_ = os.MkdirAll(filepath.Join(root, ".locks"), 0700)

	groups, err := ListGroups(root)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 1 || groups[0] != group {
		t.Fatalf("unexpected groups %v", groups)
	}

	snapshots, err := ListSnapshots(root, group)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("unexpected snapshot count %d", len(snapshots))
	}
	if !snapshots[0].Dir.Time.Equal(times[1]) || !snapshots[2].Dir.Time.Equal(times[0]) {
		t.Errorf("snapshots not sorted newest first: %v", snapshots)
	}

	if err := SetProtected(root, snapshots[1].Dir, true); err != nil {
		t.Fatalf("SetProtected failed: %v", err)
	}
	snapshots, _ = ListSnapshots(root, group)
	if !snapshots[1].Protected || snapshots[0].Protected {
		t.Errorf("protection flag not reported correctly")
	}
	if err := SetProtected(root, snapshots[1].Dir, false); err != nil {
		t.Fatalf("SetProtected(false) failed: %v", err)
	}
	if IsProtected(root, snapshots[1].Dir) {
		t.Errorf("protection not removed")
	}

	other, _ := NewGroup(TypeVM, "999")
	empty, err := ListSnapshots(root, other)
	if err != nil || len(empty) != 0 {
		t.Errorf("ListSnapshots on missing group = %v, %v", empty, err)
	}
}
