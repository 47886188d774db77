package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

// fakeAllocator is a FileAllocator backed by a temp directory, recording
// every reported size for rotation assertions.
type fakeAllocator struct {
	mu      sync.Mutex
	dir     string
	nextID  uint32
	sizes   map[uint32]int64
	minted  []uint32
}

func newFakeAllocator(dir string) *fakeAllocator {
	return &fakeAllocator{dir: dir, sizes: make(map[uint32]int64)}
}

func (a *fakeAllocator) NextFile() (uint32, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.minted = append(a.minted, a.nextID)
	return a.nextID, filepath.Join(a.dir, fmt.Sprintf("cap-%d.pcap", a.nextID)), nil
}

func (a *fakeAllocator) ReportSize(fileID uint32, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizes[fileID] = size
}

// TestSimpleRotatesOnSize exercises spec.md §8 scenario 6: once the
// configured max file size is exceeded, the next Write mints a new
// file-id distinct from the last one.
func TestSimpleRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	alloc := newFakeAllocator(dir)
	w := NewSimple(alloc, 64, 0, layers.LinkTypeEthernet, 262144, nil)

	pkt := make([]byte, 40)
	ts := time.Now()

	id1, _, err := w.Write(1, pkt, ts, len(pkt), len(pkt))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	id2, _, err := w.Write(1, pkt, ts, len(pkt), len(pkt))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("expected rotation to mint a new file-id, got %d twice", id1)
	}
	if err := w.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(alloc.sizes) != 2 {
		t.Fatalf("expected both rotated-away files to report a size, got %v", alloc.sizes)
	}
	for _, id := range []uint32{id1, id2} {
		path := filepath.Join(dir, fmt.Sprintf("cap-%d.pcap", id))
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected capture file %s to exist: %v", path, err)
		}
	}
}

// TestSimpleCrossThreadWriteFatal is skipped by design: checkOwner calls
// log.Fatalf, which this package has no way to intercept without
// terminating the test binary. The single-owner contract is instead
// exercised indirectly by every other test only ever writing from one
// goroutine.

func TestDiskRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	alloc := newFakeAllocator(dir)
	d := NewDisk(alloc, 64, 0, layers.LinkTypeEthernet, 262144, 1<<16, nil)

	pkt := make([]byte, 40)
	ts := time.Now()

	id1, _, err := d.Write(1, pkt, ts, len(pkt), len(pkt))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	id2, _, err := d.Write(1, pkt, ts, len(pkt), len(pkt))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("expected rotation to mint a new file-id, got %d twice", id1)
	}
	if err := d.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if d.QueueLength() != 0 {
		t.Fatalf("expected queue drained after Exit, got %d", d.QueueLength())
	}

	alloc.mu.Lock()
	n := len(alloc.sizes)
	alloc.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected both files to report a size, got %d", n)
	}
	for _, id := range []uint32{id1, id2} {
		path := filepath.Join(dir, fmt.Sprintf("cap-%d.pcap", id))
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("expected capture file %s to exist: %v", path, err)
		}
		if fi.Size() < pcapGlobalHeaderLen {
			t.Fatalf("file %s too small to hold a pcap global header: %d bytes", path, fi.Size())
		}
	}
}

func TestDiskQueueLengthDrainsToZero(t *testing.T) {
	dir := t.TempDir()
	alloc := newFakeAllocator(dir)
	d := NewDisk(alloc, 1<<20, 0, layers.LinkTypeEthernet, 262144, 1<<16, nil)

	pkt := make([]byte, 100)
	for i := 0; i < 10; i++ {
		if _, _, err := d.Write(7, pkt, time.Now(), len(pkt), len(pkt)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := d.Exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := d.QueueLength(); got != 0 {
		t.Fatalf("expected drained queue, got %d", got)
	}
}
