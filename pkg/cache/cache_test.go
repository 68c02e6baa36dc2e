package cache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// TestStore_PutGetRoundTrip ensures a blob put via PutFromStream can be read
// back with identical bytes and reports Has as true.
func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	desc, err := s.PutFromStream(bytes.NewBufferString("hello layer"), "layer")
	if err != nil {
		t.Fatalf("PutFromStream: %v", err)
	}
	if !s.Has(desc.Digest) {
		t.Fatal("Has returned false for a just-written digest")
	}
	r, err := s.Get(desc.Digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello layer" {
		t.Errorf("got %q, want %q", got, "hello layer")
	}
}

// TestStore_DuplicatePutDiscardsTemp ensures writing the same content twice
// converges on one blob file, not two.
func TestStore_DuplicatePutDiscardsTemp(t *testing.T) {
	s := newStore(t)
	d1, err := s.PutFromStream(bytes.NewBufferString("same bytes"), "layer")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.PutFromStream(bytes.NewBufferString("same bytes"), "layer")
	if err != nil {
		t.Fatal(err)
	}
	if d1.Digest != d2.Digest {
		t.Fatalf("expected identical digests, got %v and %v", d1.Digest, d2.Digest)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "blobs", "sha256"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one blob file, found %d", len(entries))
	}
}

// TestStore_FreshIgnoresMtimeOnlyChange ensures the sidecar comparison is by
// (size, content_hash), so touching a file's mtime without changing its
// bytes is not treated as a cache bust.
func TestStore_FreshIgnoresMtimeOnlyChange(t *testing.T) {
	s := newStore(t)
	desc, _ := s.PutFromStream(bytes.NewBufferString("layer content"), "layer")
	tuples := []SourceTuple{{Path: "app.py", Size: 10, ContentHash: "sha256:abc"}}
	if err := s.WriteSourceManifest(desc.Digest, tuples); err != nil {
		t.Fatal(err)
	}

	// Same size/hash, pretend mtime changed — Fresh doesn't look at mtime at all.
	if !s.Fresh(desc.Digest, tuples) {
		t.Error("expected Fresh to report true when size/content_hash are unchanged")
	}

	changed := []SourceTuple{{Path: "app.py", Size: 10, ContentHash: "sha256:def"}}
	if s.Fresh(desc.Digest, changed) {
		t.Error("expected Fresh to report false when content_hash differs")
	}
}

// TestStore_SweepRespectsPins ensures sweep never evicts an entry held open
// by a live reader, even when it is the least-recently-used.
func TestStore_SweepRespectsPins(t *testing.T) {
	s := newStore(t)
	old, _ := s.PutFromStream(bytes.NewBufferString("oldest"), "layer")
	time.Sleep(2 * time.Millisecond)
	_, _ = s.PutFromStream(bytes.NewBufferString("newer-and-bigger-entry"), "layer")

	r, err := s.Get(old.Digest)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := s.Sweep(0); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !s.Has(old.Digest) {
		t.Error("Sweep evicted a pinned entry")
	}
}

// TestStore_PromoteToBuildHardlinks ensures promotion makes the blob
// available under destDir named by its hex digest.
func TestStore_PromoteToBuildHardlinks(t *testing.T) {
	s := newStore(t)
	desc, _ := s.PutFromStream(bytes.NewBufferString("promote me"), "layer")
	destDir := t.TempDir()
	if err := s.PromoteToBuild(desc.Digest, destDir); err != nil {
		t.Fatalf("PromoteToBuild: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(destDir, desc.Digest.Hex))
	if err != nil {
		t.Fatalf("reading promoted blob: %v", err)
	}
	if string(b) != "promote me" {
		t.Errorf("got %q", b)
	}
}
