// Package tarutil provides a deterministic tar writer: the byte sequence it
// produces is a pure function of (archive path, mode, kind, content) for the
// set of entries added — independent of the order entries were added in, or
// of any filesystem owner or group. In reproducible mode it is also
// independent of filesystem timestamps; otherwise each file carries the
// mtime passed to AddFile.
package tarutil

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// Kind identifies the type of a tar entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

const (
	fileMode = 0o644
	execMode = 0o755
	dirMode  = 0o755

	// DefaultUID and DefaultGID are the owner fixed into every entry.
	DefaultUID = 0
	DefaultGID = 0
)

// entry is a pending tar member; content is read lazily at Finish() time so
// that entries may be collected out of order and sorted before any byte is
// written.
type entry struct {
	archivePath string
	kind        Kind
	executable  bool
	linkTarget  string
	open        func() (io.ReadCloser, error)
	size        int64
	// mtime is the per-file source mtime, honored only when the Writer is
	// non-reproducible; zero means "use the Writer's single timestamp"
	// (always the case for directories and symlinks, and for reproducible
	// files).
	mtime time.Time
}

// Writer accumulates entries and, on Finish, emits them in lexicographic
// order of archive path through a single streaming pass that simultaneously
// produces the uncompressed digest (diff ID) and the gzip-compressed digest
// (the descriptor digest).
type Writer struct {
	prefix       string
	reproducible bool
	timestamp    time.Time
	entries      []entry
	seen         map[string]bool
}

// Options configures a Writer.
type Options struct {
	// ArchivePrefix is prepended to every archive path (default "app/").
	ArchivePrefix string
	// Reproducible, when true, sets every entry's mtime to Timestamp
	// (default epoch zero) rather than to the source file's own mtime.
	Reproducible bool
	// Timestamp is the mtime used for every entry when Reproducible is
	// true. Zero value means Unix epoch. Per spec.md §9's open question,
	// callers should populate this from either an explicit build-plan
	// value or $SOURCE_DATE_EPOCH, with the explicit value taking
	// precedence; this package itself is agnostic to the source.
	Timestamp time.Time
}

// NewWriter creates a Writer. Entries are accumulated with AddFile/AddDir/
// AddSymlink and only written out on Finish.
func NewWriter(opts Options) *Writer {
	prefix := opts.ArchivePrefix
	if prefix == "" {
		prefix = "app/"
	}
	prefix = strings.Trim(path.Clean(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Writer{
		prefix:       prefix,
		reproducible: opts.Reproducible,
		timestamp:    opts.Timestamp,
		seen:         map[string]bool{},
	}
}

func (w *Writer) normalize(archivePath string) (string, error) {
	clean := path.Clean("/" + filepathToSlash(archivePath))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == "" {
		return "", ocierr.UnsafePath{Path: archivePath}
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ocierr.UnsafePath{Path: archivePath}
	}
	return w.prefix + clean, nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// AddFile registers a regular file entry. The reader is opened lazily by
// open() at Finish time, so the same Writer can be fed entries discovered in
// any traversal order. mtime is the source file's own modification time; it
// is only honored when the Writer is non-reproducible (per spec.md §9: "when
// reproducible mode is off, mtimes come from the source filesystem"), and is
// otherwise ignored in favor of the Writer's single Timestamp.
func (w *Writer) AddFile(archivePath string, executable bool, size int64, mtime time.Time, open func() (io.ReadCloser, error)) error {
	full, err := w.normalize(archivePath)
	if err != nil {
		return err
	}
	if w.seen[full] {
		return ocierr.DuplicateEntry{Path: full}
	}
	w.seen[full] = true
	w.entries = append(w.entries, entry{
		archivePath: full,
		kind:        KindFile,
		executable:  executable,
		open:        open,
		size:        size,
		mtime:       mtime,
	})
	return nil
}

// AddDir registers an (otherwise empty) directory entry.
func (w *Writer) AddDir(archivePath string) error {
	full, err := w.normalize(archivePath)
	if err != nil {
		return err
	}
	full = strings.TrimSuffix(full, "/") + "/"
	if w.seen[full] {
		return ocierr.DuplicateEntry{Path: full}
	}
	w.seen[full] = true
	w.entries = append(w.entries, entry{archivePath: full, kind: KindDir})
	return nil
}

// AddSymlink registers a symlink entry preserving its stored target
// unchanged. Callers are responsible for having already validated the
// target does not escape the archive root (pkg/imagebuild's file walk does);
// this Writer only validates the archive path itself.
func (w *Writer) AddSymlink(archivePath, target string) error {
	full, err := w.normalize(archivePath)
	if err != nil {
		return err
	}
	if w.seen[full] {
		return ocierr.DuplicateEntry{Path: full}
	}
	w.seen[full] = true
	w.entries = append(w.entries, entry{archivePath: full, kind: KindSymlink, linkTarget: target})
	return nil
}

// Result carries the dual digests produced by Finish.
type Result struct {
	// DiffID is the SHA-256 of the uncompressed tar stream.
	DiffID v1.Hash
	// Digest is the SHA-256 of the gzip-compressed stream (what a
	// manifest descriptor references).
	Digest v1.Hash
	// Size is the compressed size in bytes.
	Size int64
}

// Finish writes every accumulated entry, in lexicographic order of archive
// path, as a gzip-compressed tar stream to dst, and returns the dual
// digests. No intermediate directory entries are synthesized for parent
// paths — only entries explicitly added appear, avoiding any incidental
// mtime/mode leakage from unrequested directories.
func (w *Writer) Finish(dst io.Writer) (Result, error) {
	sort.Slice(w.entries, func(i, j int) bool {
		return w.entries[i].archivePath < w.entries[j].archivePath
	})

	uncompressed := NewDigester()
	compressed := NewDigester()

	gz := gzip.NewWriter(io.MultiWriter(dst, compressed))
	// A fixed mtime on the gzip header itself keeps the compressed stream
	// byte-identical across reproducible builds; gzip.Writer defaults its
	// ModTime to zero already, but set it explicitly for clarity.
	gz.ModTime = time.Unix(0, 0)

	tw := tar.NewWriter(io.MultiWriter(gz, uncompressed))

	defaultMtime := w.timestamp
	if w.reproducible && defaultMtime.IsZero() {
		defaultMtime = time.Unix(0, 0)
	}

	for _, e := range w.entries {
		mtime := defaultMtime
		if !w.reproducible && !e.mtime.IsZero() {
			mtime = e.mtime
		}
		if err := w.writeEntry(tw, e, mtime); err != nil {
			return Result{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return Result{}, ocierr.IoError{Path: "tar", Cause: err}
	}
	if err := gz.Close(); err != nil {
		return Result{}, ocierr.IoError{Path: "gzip", Cause: err}
	}

	return Result{
		DiffID: uncompressed.Sum(),
		Digest: compressed.Sum(),
		Size:   compressed.size(),
	}, nil
}

// size reports bytes written through the digester so far.
func (d *Digester) size() int64 {
	// hash.Hash doesn't expose a byte counter; track separately via a
	// wrapping counter instead of re-deriving from BlockSize etc.
	return d.written
}

func (w *Writer) writeEntry(tw *tar.Writer, e entry, mtime time.Time) error {
	hdr := &tar.Header{
		Name:    e.archivePath,
		ModTime: mtime,
		Uid:     DefaultUID,
		Gid:     DefaultGID,
		Uname:   "root",
		Gname:   "root",
		Format:  tar.FormatPAX,
	}

	switch e.kind {
	case KindDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = dirMode
		if err := tw.WriteHeader(hdr); err != nil {
			return ocierr.IoError{Path: e.archivePath, Cause: err}
		}
		return nil
	case KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.linkTarget
		hdr.Mode = 0o777
		if err := tw.WriteHeader(hdr); err != nil {
			return ocierr.IoError{Path: e.archivePath, Cause: err}
		}
		return nil
	default: // KindFile
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.size
		if e.executable {
			hdr.Mode = execMode
		} else {
			hdr.Mode = fileMode
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return ocierr.IoError{Path: e.archivePath, Cause: err}
		}
		rc, err := e.open()
		if err != nil {
			return ocierr.IoError{Path: e.archivePath, Cause: err}
		}
		defer rc.Close()
		if _, err := io.Copy(tw, rc); err != nil {
			return ocierr.IoError{Path: e.archivePath, Cause: err}
		}
		return nil
	}
}

// IsExecutableName reports whether a path's extension marks it executable
// by the stable naming predicate (".sh" scripts are always executable
// regardless of source file mode).
func IsExecutableName(p string) bool {
	return strings.HasSuffix(p, ".sh")
}
