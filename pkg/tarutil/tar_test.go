package tarutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"
	"time"
)

func readEntries(t *testing.T, gz []byte) []string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

// TestWriter_LexicographicOrder ensures entries are written in sorted archive
// path order regardless of the order they were added in.
func TestWriter_LexicographicOrder(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/"})
	open := func(s string) func() (io.ReadCloser, error) {
		return func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewBufferString(s)), nil }
	}
	if err := w.AddFile("zeta.py", false, 3, time.Time{}, open("zzz")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile("alpha.py", false, 3, time.Time{}, open("aaa")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile("mid/beta.py", false, 3, time.Time{}, open("bbb")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := w.Finish(&buf); err != nil {
		t.Fatal(err)
	}

	got := readEntries(t, buf.Bytes())
	want := []string{"app/alpha.py", "app/mid/beta.py", "app/zeta.py"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}

// TestWriter_DeterministicDigest ensures two writers fed the same entries in
// different add-order produce byte-identical diff IDs and digests.
func TestWriter_DeterministicDigest(t *testing.T) {
	build := func(order []string) (diffID, digest string) {
		w := NewWriter(Options{ArchivePrefix: "app/", Reproducible: true})
		content := map[string]string{"a.py": "one", "b.py": "two", "c.py": "three"}
		for _, name := range order {
			s := content[name]
			w.AddFile(name, false, int64(len(s)), time.Time{}, func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewBufferString(s)), nil
			})
		}
		var buf bytes.Buffer
		res, err := w.Finish(&buf)
		if err != nil {
			t.Fatal(err)
		}
		return res.DiffID.String(), res.Digest.String()
	}

	d1, g1 := build([]string{"a.py", "b.py", "c.py"})
	d2, g2 := build([]string{"c.py", "a.py", "b.py"})

	if d1 != d2 {
		t.Errorf("diff IDs differ by add-order: %s vs %s", d1, d2)
	}
	if g1 != g2 {
		t.Errorf("digests differ by add-order: %s vs %s", g1, g2)
	}
}

// TestWriter_RejectsEscapingPath ensures a path that would escape the
// archive root is reported as UnsafePath rather than silently written.
func TestWriter_RejectsEscapingPath(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/"})
	err := w.AddFile("../../etc/passwd", false, 0, time.Time{}, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	})
	if err == nil {
		t.Fatal("expected an error for an escaping path, got nil")
	}
}

// TestWriter_RejectsDuplicateEntry ensures adding the same archive path
// twice is rejected rather than silently overwriting.
func TestWriter_RejectsDuplicateEntry(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/"})
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil }
	if err := w.AddFile("main.py", false, 0, time.Time{}, open); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile("main.py", false, 0, time.Time{}, open); err == nil {
		t.Fatal("expected duplicate entry error, got nil")
	}
}

// TestWriter_NonReproducibleUsesPerFileMtime ensures that when Reproducible
// is false, each entry's mtime comes from the value passed to AddFile
// rather than collapsing to the Writer's single Timestamp (or epoch zero).
func TestWriter_NonReproducibleUsesPerFileMtime(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/", Reproducible: false})
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil }
	older := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	if err := w.AddFile("old.py", false, 0, older, open); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile("new.py", false, 0, newer, open); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := w.Finish(&buf); err != nil {
		t.Fatal(err)
	}

	zr, _ := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	tr := tar.NewReader(zr)
	mtimes := map[string]time.Time{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		mtimes[hdr.Name] = hdr.ModTime
	}
	if !mtimes["app/old.py"].Equal(older) {
		t.Errorf("old.py ModTime = %v, want %v", mtimes["app/old.py"], older)
	}
	if !mtimes["app/new.py"].Equal(newer) {
		t.Errorf("new.py ModTime = %v, want %v", mtimes["app/new.py"], newer)
	}
	if mtimes["app/old.py"].Equal(mtimes["app/new.py"]) {
		t.Error("expected distinct per-file mtimes in non-reproducible mode")
	}
}

// TestWriter_ReproducibleIgnoresPerFileMtime ensures Reproducible collapses
// every entry's mtime to the Writer's Timestamp regardless of the mtime
// passed to AddFile.
func TestWriter_ReproducibleIgnoresPerFileMtime(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/", Reproducible: true})
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil }
	distinct := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	if err := w.AddFile("a.py", false, 0, distinct, open); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := w.Finish(&buf); err != nil {
		t.Fatal(err)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !hdr.ModTime.Equal(time.Unix(0, 0)) {
		t.Errorf("ModTime = %v, want epoch zero despite a distinct AddFile mtime", hdr.ModTime)
	}
}

// TestWriter_ExecutableMode ensures the executable flag maps to 0755 while
// ordinary files map to 0644.
func TestWriter_ExecutableMode(t *testing.T) {
	w := NewWriter(Options{ArchivePrefix: "app/"})
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(nil)), nil }
	w.AddFile("run.sh", true, 0, time.Time{}, open)
	w.AddFile("lib.py", false, 0, time.Time{}, open)

	var buf bytes.Buffer
	if _, err := w.Finish(&buf); err != nil {
		t.Fatal(err)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	tr := tar.NewReader(zr)
	modes := map[string]int64{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		modes[hdr.Name] = hdr.Mode
	}
	if modes["app/run.sh"] != execMode {
		t.Errorf("run.sh mode = %o, want %o", modes["app/run.sh"], execMode)
	}
	if modes["app/lib.py"] != fileMode {
		t.Errorf("lib.py mode = %o, want %o", modes["app/lib.py"], fileMode)
	}
}
