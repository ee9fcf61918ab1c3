package chunking

import (
	"bytes"
	"math/rand"
	"testing"

	chunkers "github.com/PlakarLabs/go-cdc-chunkers"
)

func TestDefaultAlgorithm(t *testing.T) {
	expected := "fastcdc"
	result := DefaultAlgorithm()

	if result != expected {
		t.Errorf("DefaultAlgorithm failed: expected %v, got %v", expected, result)
	}
}

func TestDefaultConfiguration(t *testing.T) {
	expected := &chunkers.ChunkerOpts{
		MinSize:    64 * 1024,
		NormalSize: 1 * 1024 * 1024,
		MaxSize:    4 * 1024 * 1024,
	}

	result := DefaultConfiguration()

	if int(result.MinSize) != expected.MinSize {
		t.Errorf("DefaultConfiguration MinSize failed: expected %v, got %v", expected.MinSize, result.MinSize)
	}
	if int(result.NormalSize) != expected.NormalSize {
		t.Errorf("DefaultConfiguration NormalSize failed: expected %v, got %v", expected.NormalSize, result.NormalSize)
	}
	if int(result.MaxSize) != expected.MaxSize {
		t.Errorf("DefaultConfiguration MaxSize failed: expected %v, got %v", expected.MaxSize, result.MaxSize)
	}
}

func randomData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

func TestSplitCoversInput(t *testing.T) {
	data := randomData(6 * 1024 * 1024)

	var rebuilt bytes.Buffer
	expectedOffset := uint64(0)
	err := Split(bytes.NewReader(data), nil, func(offset uint64, chunk []byte) error {
		if offset != expectedOffset {
			t.Fatalf("unexpected offset %d, want %d", offset, expectedOffset)
		}
		if len(chunk) > 4*1024*1024 {
			t.Fatalf("chunk exceeds max size: %d", len(chunk))
		}
		rebuilt.Write(chunk)
		expectedOffset += uint64(len(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if !bytes.Equal(rebuilt.Bytes(), data) {
		t.Errorf("chunks do not concatenate to the input")
	}
}

func TestBoundariesDeterministic(t *testing.T) {
	data := randomData(3 * 1024 * 1024)

	b1, err := Boundaries(data, nil)
	if err != nil {
		t.Fatalf("Boundaries failed: %v", err)
	}
	b2, err := Boundaries(bytes.Clone(data), nil)
	if err != nil {
		t.Fatalf("Boundaries failed: %v", err)
	}
	if len(b1) == 0 || b1[len(b1)-1] != uint64(len(data)) {
		t.Fatalf("last boundary must be the input size")
	}
	if len(b1) != len(b2) {
		t.Fatalf("boundary count differs: %d vs %d", len(b1), len(b2))
	}
	for i := range b1 {
		if b1[i] != b2[i] {
			t.Errorf("boundary %d differs: %d vs %d", i, b1[i], b2[i])
		}
	}
}

func TestSplitFixed(t *testing.T) {
	data := randomData(10*1024 + 17)

	var sizes []int
	err := SplitFixed(bytes.NewReader(data), 1024, func(offset uint64, chunk []byte) error {
		if offset != uint64(len(sizes)*1024) {
			t.Errorf("unexpected offset %d", offset)
		}
		sizes = append(sizes, len(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("SplitFixed failed: %v", err)
	}
	if len(sizes) != 11 {
		t.Fatalf("unexpected chunk count %d", len(sizes))
	}
	if sizes[10] != 17 {
		t.Errorf("unexpected short chunk size %d", sizes[10])
	}

	if err := SplitFixed(bytes.NewReader(nil), 1024, func(uint64, []byte) error {
		t.Errorf("callback invoked for empty input")
		return nil
	}); err != nil {
		t.Errorf("SplitFixed on empty input failed: %v", err)
	}
}
