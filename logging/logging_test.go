package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoDisabledByDefault(t *testing.T) {
	var stdout, stderr bytes.Buffer
	l := NewLogger(&stdout, &stderr)

	l.Info("hidden %d", 1)
	if stdout.Len() != 0 {
		t.Fatalf("info logged while disabled: %q", stdout.String())
	}

	l.EnableInfo()
	l.Info("shown %d", 2)
	if !strings.Contains(stdout.String(), "shown 2") {
		t.Errorf("info not logged once enabled: %q", stdout.String())
	}

	l.Warn("careful")
	if !strings.Contains(stderr.String(), "careful") {
		t.Errorf("warning not written to stderr: %q", stderr.String())
	}
}

func TestTraceSubsystems(t *testing.T) {
	var stdout bytes.Buffer
	l := NewLogger(&stdout, &stdout)

	l.Trace("gc", "before enabling")
	if stdout.Len() != 0 {
		t.Fatalf("trace logged while disabled")
	}

	l.EnableTrace("gc, chunkstore")
	l.Trace("gc", "sweeping %s", "0000")
	l.Trace("prune", "not traced")
	out := stdout.String()
	if !strings.Contains(out, "gc: sweeping 0000") {
		t.Errorf("expected gc trace, got %q", out)
	}
	if strings.Contains(out, "not traced") {
		t.Errorf("unexpected prune trace in %q", out)
	}

	stdout.Reset()
	l.EnableTrace("all")
	l.Trace("prune", "now traced")
	if !strings.Contains(stdout.String(), "prune: now traced") {
		t.Errorf("expected trace with all, got %q", stdout.String())
	}
}
