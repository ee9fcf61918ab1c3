package hashing

import (
	"crypto/sha256"
	"testing"
)

func TestPlainDigest(t *testing.T) {
	h, err := NewHasher(ModeSHA256, nil)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	data := []byte("hello, chunk")
	if h.Sum(data) != Digest(sha256.Sum256(data)) {
		t.Errorf("plain digest differs from sha256")
	}
	if !h.Verify(Sum256(data), data) {
		t.Errorf("Verify rejected a valid digest")
	}
}

func TestKeyedDigest(t *testing.T) {
	if _, err := NewHasher(ModeHMACSHA256, nil); err == nil {
		t.Fatalf("expected error for keyed mode without key")
	}

	h1, _ := NewHasher(ModeHMACSHA256, []byte("key one"))
	h2, _ := NewHasher(ModeHMACSHA256, []byte("key two"))
	data := []byte("hello, chunk")

	if h1.Sum(data) != h1.Sum(data) {
		t.Errorf("keyed digest is not deterministic")
	}
	if h1.Sum(data) == h2.Sum(data) {
		t.Errorf("different keys produced the same digest")
	}
	if h1.Sum(data) == Sum256(data) {
		t.Errorf("keyed digest equals plain digest")
	}
}

func TestParseDigest(t *testing.T) {
	d := Sum256([]byte("abc"))
	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest failed: %v", err)
	}
	if parsed != d {
		t.Errorf("ParseDigest mismatch: got %s, want %s", parsed, d)
	}
	if d.Bucket() != d.String()[:4] {
		t.Errorf("unexpected bucket %q", d.Bucket())
	}

	for _, bad := range []string{"", "abcd", d.String()[:63] + "z"} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) succeeded", bad)
		}
	}
}

func TestIsBucket(t *testing.T) {
	tests := map[string]bool{
		"00ff": true,
		"abcd": true,
		"abc":  false,
		"zzzz": false,
		".tmp": false,
	}
	for name, want := range tests {
		if got := IsBucket(name); got != want {
			t.Errorf("IsBucket(%q) = %v, want %v", name, got, want)
		}
	}
}
