package s3

import (
	"testing"

	"github.com/PlakarLabs/backupstore/hashing"
)

func TestConnectParsesLocation(t *testing.T) {
	b := &Backend{}
	if err := b.connect("s3://access:secret@localhost:9000/backups"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if b.bucketName != "backups" {
		t.Errorf("bucketName = %q, want backups", b.bucketName)
	}
	if b.Location() != "s3://access:secret@localhost:9000/backups" {
		t.Errorf("unexpected location %q", b.Location())
	}
}

func TestConnectRejectsBadLocations(t *testing.T) {
	for _, location := range []string{
		"http://localhost:9000/backups",
		"s3://access:secret@localhost:9000/",
	} {
		if err := (&Backend{}).connect(location); err == nil {
			t.Errorf("connect(%q) succeeded", location)
		}
	}
}

func TestObjectName(t *testing.T) {
	digest := hashing.Sum256([]byte("object"))
	want := "chunks/" + digest.String()[:4] + "/" + digest.String()
	if got := objectName(digest); got != want {
		t.Errorf("objectName = %q, want %q", got, want)
	}
}
