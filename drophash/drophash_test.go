package drophash

import (
	"os"
	"testing"
)

func TestShouldDropDecisionTree(t *testing.T) {
	g := NewGroup(4, "")
	key := []byte{10, 0, 0, 1}

	if g.ShouldDrop(80, key, 100) {
		t.Fatalf("should_drop must be false before any add")
	}
	if !g.Add(80, key, 100, 60) {
		t.Fatalf("add must report true on first insert")
	}
	if g.Add(80, key, 100, 60) {
		t.Fatalf("add must be a no-op for an existing key")
	}

	if !g.ShouldDrop(80, key, 100) {
		t.Fatalf("same-tick duplicate must drop")
	}
	if !g.ShouldDrop(80, key, 130) {
		t.Fatalf("within window (last+goodFor=160 >= 130) must drop")
	}
	if g.ShouldDrop(80, key, 400) {
		t.Fatalf("past the window must not drop")
	}
	if g.ShouldDrop(80, key, 401) {
		t.Fatalf("expired item must have been deleted by the prior call")
	}
}

func TestShouldDropUnknownKey(t *testing.T) {
	g := NewGroup(4, "")
	if g.ShouldDrop(25, []byte{1, 2, 3, 4}, 1) {
		t.Fatalf("unknown port/key must never drop")
	}
}

func TestBucketCountByPort(t *testing.T) {
	if bucketCount(80) != bucketsHighTraffic {
		t.Fatalf("port 80 must use the high-traffic bucket count")
	}
	if bucketCount(443) != bucketsHighTraffic {
		t.Fatalf("port 443 must use the high-traffic bucket count")
	}
	if bucketCount(9999) != bucketsDefault {
		t.Fatalf("unlisted port must use the default bucket count")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f, err := os.CreateTemp("", "drophash-test-*")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	g := NewGroup(4, path)
	g.Add(443, []byte{192, 168, 1, 1}, 1000, 60)
	g.Add(443, []byte{192, 168, 1, 2}, 1000, 5) // will be expired at load time

	if err := g.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	g2 := NewGroup(4, path)
	if err := g2.Load(1030); err != nil {
		t.Fatalf("load: %v", err)
	}
	if g2.Count() != 1 {
		t.Fatalf("expected only the non-expired entry to survive load, got %d", g2.Count())
	}
	if !g2.ShouldDrop(443, []byte{192, 168, 1, 1}, 1030) {
		t.Fatalf("the surviving entry must still drop")
	}
}

func TestLoadRejectsKeyLengthMismatch(t *testing.T) {
	f, err := os.CreateTemp("", "drophash-test-*")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	g4 := NewGroup(4, path)
	g4.Add(80, []byte{1, 2, 3, 4}, 1, 1)
	if err := g4.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	g16 := NewGroup(16, path)
	if err := g16.Load(1); err != ErrKeyLenMismatch {
		t.Fatalf("expected ErrKeyLenMismatch, got %v", err)
	}
}
