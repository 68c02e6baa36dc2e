// Package cache implements the content-addressed blob store shared by the
// base-image resolver and the layer builder. Its on-disk layout and
// hardlink-based promotion into a build's own blobs directory mirror the
// cache directory convention used for base-image layer caching, generalized
// here into a full store with LRU eviction and sidecar-based invalidation.
package cache

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/pkg/errors"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
	"github.com/spboyer/pycontainer-build/pkg/tarutil"
)

const tempPrefix = ".tmp-"

// orphanGrace is how long an abandoned temp file must sit before sweep will
// remove it — long enough that a concurrent in-flight write is never mistaken
// for an orphan.
const orphanGrace = 1 * time.Hour

// entryMeta is the per-digest record kept in the index.
type entryMeta struct {
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	Kind       string    `json:"kind"`
}

// SourceTuple identifies one input file contributing to a layer, for
// sidecar-based cache invalidation.
type SourceTuple struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

// Store is a content-addressed blob cache rooted at Root.
//
//	<Root>/blobs/sha256/<hex>        the blob itself
//	<Root>/blobs/sha256/<hex>.src    optional sidecar: []SourceTuple
//	<Root>/index.json                the (digest, size, last_access, kind) index
type Store struct {
	root string

	mu      sync.RWMutex // guards index and coordinates sweep vs. everything else
	index   map[string]entryMeta
	writeMu sync.Map // per-digest mutex: serializes concurrent put_* for the same digest
	pinned  map[string]int
}

// Open loads (or initializes) a Store rooted at root.
func Open(root string) (*Store, error) {
	blobsDir := filepath.Join(root, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, ocierr.IoError{Path: blobsDir, Cause: err}
	}
	s := &Store{root: root, index: map[string]entryMeta{}, pinned: map[string]int{}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "index.json") }

func (s *Store) loadIndex() error {
	b, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ocierr.IoError{Path: s.indexPath(), Cause: err}
	}
	var entries []entryMeta
	if err := json.Unmarshal(b, &entries); err != nil {
		return ocierr.IoError{Path: s.indexPath(), Cause: err}
	}
	for _, e := range entries {
		s.index[e.Digest] = e
	}
	return nil
}

// saveIndex persists the index atomically. Caller must hold s.mu.
func (s *Store) saveIndex() error {
	entries := make([]entryMeta, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Digest < entries[j].Digest })

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling cache index")
	}
	tmp := s.indexPath() + tempPrefix + "write"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return ocierr.IoError{Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return ocierr.IoError{Path: s.indexPath(), Cause: err}
	}
	return nil
}

func (s *Store) blobPath(hex string) string {
	return filepath.Join(s.root, "blobs", "sha256", hex)
}

func (s *Store) sidecarPath(hex string) string {
	return s.blobPath(hex) + ".src"
}

// Has is a pure membership test.
func (s *Store) Has(digest v1.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[digest.Hex]
	return ok
}

// Get opens a read stream for digest and updates its last-access time. The
// returned ReadCloser pins the entry against eviction until Close is called.
func (s *Store) Get(digest v1.Hash) (io.ReadCloser, error) {
	s.mu.Lock()
	e, ok := s.index[digest.Hex]
	if !ok {
		s.mu.Unlock()
		return nil, os.ErrNotExist
	}
	e.LastAccess = time.Now()
	s.index[digest.Hex] = e
	s.pinned[digest.Hex]++
	_ = s.saveIndex()
	s.mu.Unlock()

	f, err := os.Open(s.blobPath(digest.Hex))
	if err != nil {
		s.unpin(digest.Hex)
		return nil, ocierr.IoError{Path: s.blobPath(digest.Hex), Cause: err}
	}
	return &pinnedReader{ReadCloser: f, store: s, hex: digest.Hex}, nil
}

func (s *Store) unpin(hex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[hex] > 0 {
		s.pinned[hex]--
	}
	if s.pinned[hex] == 0 {
		delete(s.pinned, hex)
	}
}

type pinnedReader struct {
	io.ReadCloser
	store *Store
	hex   string
}

func (p *pinnedReader) Close() error {
	p.store.unpin(p.hex)
	return p.ReadCloser.Close()
}

// Descriptor describes a blob that has just been written into the store.
type Descriptor struct {
	Digest v1.Hash
	Size   int64
}

// PutFromStream streams r to a temp file while hashing, then atomically
// renames it into place. If a blob with the resulting digest already exists,
// the temp file is discarded and the existing entry's access time is bumped.
func (s *Store) PutFromStream(r io.Reader, kind string) (Descriptor, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "blobs", "sha256"), tempPrefix+"put-*")
	if err != nil {
		return Descriptor{}, ocierr.IoError{Path: s.root, Cause: err}
	}
	tmpName := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpName)
		}
	}()

	digest, size, err := tarutil.SHA256(io.TeeReader(r, tmp))
	if err != nil {
		tmp.Close()
		return Descriptor{}, errors.Wrap(err, "hashing stream into cache")
	}
	if err := tmp.Close(); err != nil {
		return Descriptor{}, ocierr.IoError{Path: tmpName, Cause: err}
	}

	return s.commit(tmpName, &removeTmp, digest, size, kind)
}

// PutBytes is a convenience wrapper over PutFromStream for small in-memory
// blobs such as image configs and manifests.
func (s *Store) PutBytes(b []byte, kind string) (Descriptor, error) {
	digest, size, err := tarutil.SHA256(bytes.NewReader(b))
	if err != nil {
		return Descriptor{}, err
	}

	s.mu.Lock()
	if _, ok := s.index[digest.Hex]; ok {
		s.index[digest.Hex] = entryMeta{Digest: digest.Hex, Size: size, LastAccess: time.Now(), Kind: kind}
		_ = s.saveIndex()
		s.mu.Unlock()
		return Descriptor{Digest: digest, Size: size}, nil
	}
	s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Join(s.root, "blobs", "sha256"), tempPrefix+"put-*")
	if err != nil {
		return Descriptor{}, ocierr.IoError{Path: s.root, Cause: err}
	}
	tmpName := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return Descriptor{}, ocierr.IoError{Path: tmpName, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return Descriptor{}, ocierr.IoError{Path: tmpName, Cause: err}
	}

	return s.commit(tmpName, &removeTmp, digest, size, kind)
}

// commit serializes the rename-into-place on a per-digest mutex so that
// concurrent writers of the same content race harmlessly: the loser's temp
// file is discarded.
func (s *Store) commit(tmpName string, removeTmp *bool, digest v1.Hash, size int64, kind string) (Descriptor, error) {
	muIface, _ := s.writeMu.LoadOrStore(digest.Hex, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	final := s.blobPath(digest.Hex)
	if _, err := os.Stat(final); err == nil {
		// Already present: discard our temp file, just bump access time.
		s.mu.Lock()
		s.index[digest.Hex] = entryMeta{Digest: digest.Hex, Size: size, LastAccess: time.Now(), Kind: kind}
		_ = s.saveIndex()
		s.mu.Unlock()
		return Descriptor{Digest: digest, Size: size}, nil
	}

	if err := os.Rename(tmpName, final); err != nil {
		return Descriptor{}, ocierr.IoError{Path: final, Cause: err}
	}
	*removeTmp = false

	s.mu.Lock()
	s.index[digest.Hex] = entryMeta{Digest: digest.Hex, Size: size, LastAccess: time.Now(), Kind: kind}
	err := s.saveIndex()
	s.mu.Unlock()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Digest: digest, Size: size}, nil
}

// WriteSourceManifest records the (path, size, content-hash) tuples that
// produced a layer, alongside its blob, for future invalidation checks.
func (s *Store) WriteSourceManifest(digest v1.Hash, tuples []SourceTuple) error {
	b, err := json.Marshal(tuples)
	if err != nil {
		return errors.Wrap(err, "marshaling source manifest")
	}
	path := s.sidecarPath(digest.Hex)
	tmp := path + tempPrefix + "sidecar"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return ocierr.IoError{Path: tmp, Cause: err}
	}
	return os.Rename(tmp, path)
}

// Fresh reports whether the recorded source manifest for digest still
// matches the given current tuples, by (size, content_hash) — never by
// mtime, so touching a file without changing its bytes is not a cache bust.
// Absence of a sidecar means cold (not fresh).
func (s *Store) Fresh(digest v1.Hash, current []SourceTuple) bool {
	b, err := os.ReadFile(s.sidecarPath(digest.Hex))
	if err != nil {
		return false
	}
	var recorded []SourceTuple
	if err := json.Unmarshal(b, &recorded); err != nil {
		return false
	}
	if len(recorded) != len(current) {
		return false
	}
	byPath := make(map[string]SourceTuple, len(recorded))
	for _, t := range recorded {
		byPath[t.Path] = t
	}
	for _, t := range current {
		prev, ok := byPath[t.Path]
		if !ok || prev.Size != t.Size || prev.ContentHash != t.ContentHash {
			return false
		}
	}
	return true
}

// Sweep evicts least-recently-used entries until total cache size is at most
// targetBytes, skipping anything currently pinned, and removes orphaned temp
// files older than the grace period.
func (s *Store) Sweep(targetBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]entryMeta, 0, len(s.index))
	var total int64
	for _, e := range s.index {
		entries = append(entries, e)
		total += e.Size
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccess.Before(entries[j].LastAccess) })

	for _, e := range entries {
		if total <= targetBytes {
			break
		}
		if s.pinned[e.Digest] > 0 {
			continue
		}
		if err := os.Remove(s.blobPath(e.Digest)); err != nil && !os.IsNotExist(err) {
			return ocierr.IoError{Path: s.blobPath(e.Digest), Cause: err}
		}
		os.Remove(s.sidecarPath(e.Digest)) // best-effort
		delete(s.index, e.Digest)
		total -= e.Size
	}

	if err := s.sweepOrphanTemps(); err != nil {
		return err
	}
	return s.saveIndex()
}

func (s *Store) sweepOrphanTemps() error {
	dir := filepath.Join(s.root, "blobs", "sha256")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ocierr.IoError{Path: dir, Cause: err}
	}
	cutoff := time.Now().Add(-orphanGrace)
	for _, de := range ents {
		if de.IsDir() || len(de.Name()) < len(tempPrefix) || de.Name()[:len(tempPrefix)] != tempPrefix {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, de.Name()))
		}
	}
	return nil
}

// PromoteToBuild hardlinks digest's blob from this cache into destDir,
// falling back to a copy if hardlinking is unavailable (e.g. across
// filesystems), matching the promotion step used when pulling base-image
// layers into a build's own OCI blobs directory.
func (s *Store) PromoteToBuild(digest v1.Hash, destDir string) error {
	dest := filepath.Join(destDir, digest.Hex)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	src := s.blobPath(digest.Hex)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return ocierr.IoError{Path: src, Cause: err}
	}
	defer in.Close()
	tmp := dest + tempPrefix + "promote"
	out, err := os.Create(tmp)
	if err != nil {
		return ocierr.IoError{Path: tmp, Cause: err}
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		os.Remove(tmp)
		return ocierr.IoError{Path: dest, Cause: err}
	}
	return nil
}
