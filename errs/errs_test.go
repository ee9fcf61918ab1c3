package errs

import (
	"errors"
	"io/fs"
	"testing"
)

func TestIOWrapping(t *testing.T) {
	err := IO("put chunk", fs.ErrPermission)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected underlying error to be reachable, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected match with ErrNotFound")
	}
	if IO("noop", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
