package imagebuild

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
	"github.com/spboyer/pycontainer-build/pkg/project"
	"github.com/spboyer/pycontainer-build/pkg/tarutil"
)

// DefaultExcludes is the stable exclude set applied to the application
// layer so that identical source trees yield identical layer bytes
// regardless of local tool cruft.
var DefaultExcludes = []string{
	"__pycache__", ".pyc", ".pyo", ".git", ".hg", ".svn",
	".DS_Store", ".idea", ".vscode", ".mypy_cache", ".pytest_cache",
	".ruff_cache", ".venv", "venv", "env",
}

// Layer is a built (or reused) layer's descriptor plus its uncompressed
// diff ID, ready to fold into a manifest/config pair.
type Layer struct {
	Descriptor v1.Descriptor
	DiffID     v1.Hash
}

func isExcluded(relPath string, excludes []string) bool {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	for _, part := range parts {
		for _, ex := range excludes {
			if part == ex || strings.HasSuffix(part, ex) {
				return true
			}
		}
	}
	return false
}

// fileSet is an ordered, deterministic enumeration of regular files under
// root (after exclusion), used both to build a layer and to compute its
// cache-invalidation source tuples.
type fileSet struct {
	relPaths []string
	absPaths map[string]string
}

func walkFileSet(root string, excludes []string) (fileSet, error) {
	fs := fileSet{absPaths: map[string]string{}}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if isExcluded(rel, excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, lerr := os.Readlink(path)
			if lerr != nil {
				return ocierr.IoError{Path: path, Cause: lerr}
			}
			if filepath.IsAbs(target) {
				return ocierr.UnsafePath{Path: path}
			}
			resolved := filepath.Join(filepath.Dir(path), target)
			relResolved, rerr := filepath.Rel(root, resolved)
			if rerr != nil || relResolved == ".." || strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
				return ocierr.UnsafePath{Path: path}
			}
		}
		fs.relPaths = append(fs.relPaths, rel)
		fs.absPaths[rel] = path
		return nil
	})
	if err != nil {
		if _, ok := err.(ocierr.UnsafePath); ok {
			return fs, err
		}
		return fs, ocierr.IoError{Path: root, Cause: err}
	}
	sort.Strings(fs.relPaths)
	return fs, nil
}

func (fs fileSet) sourceTuples() ([]cache.SourceTuple, error) {
	tuples := make([]cache.SourceTuple, 0, len(fs.relPaths))
	for _, rel := range fs.relPaths {
		abs := fs.absPaths[rel]
		f, err := os.Open(abs)
		if err != nil {
			return nil, ocierr.IoError{Path: abs, Cause: err}
		}
		hash, size, err := tarutil.SHA256(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, cache.SourceTuple{Path: rel, Size: size, ContentHash: hash.String()})
	}
	return tuples, nil
}

// buildLayerFromFileSet writes fs into a deterministic tar rooted at
// archivePrefix, installs the result into store, and records a sidecar
// source manifest keyed by the resulting digest (readable via Store.Fresh).
// It always re-tars its inputs; it does not consult an existing sidecar to
// reuse a previously built blob.
func buildLayerFromFileSet(store *cache.Store, fs fileSet, archivePrefix string, reproducible bool, sourceDateEpoch int64, digestKind string) (Layer, error) {
	tuples, err := fs.sourceTuples()
	if err != nil {
		return Layer{}, err
	}

	opts := tarutil.Options{ArchivePrefix: archivePrefix, Reproducible: reproducible}
	if sourceDateEpoch > 0 {
		opts.Timestamp = time.Unix(sourceDateEpoch, 0).UTC()
	}
	w := tarutil.NewWriter(opts)
	for _, rel := range fs.relPaths {
		rel := rel
		abs := fs.absPaths[rel]
		info, statErr := os.Lstat(abs)
		if statErr != nil {
			return Layer{}, ocierr.IoError{Path: abs, Cause: statErr}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, _ := os.Readlink(abs)
			if err := w.AddSymlink(rel, target); err != nil {
				return Layer{}, err
			}
			continue
		}
		executable := info.Mode()&0o111 != 0 || tarutil.IsExecutableName(rel)
		if err := w.AddFile(rel, executable, info.Size(), info.ModTime(), func() (io.ReadCloser, error) {
			return os.Open(abs)
		}); err != nil {
			return Layer{}, err
		}
	}

	pr, pw := io.Pipe()
	type finishResult struct {
		res tarutil.Result
		err error
	}
	done := make(chan finishResult, 1)
	go func() {
		res, err := w.Finish(pw)
		pw.CloseWithError(err)
		done <- finishResult{res, err}
	}()

	desc, err := store.PutFromStream(pr, digestKind)
	fin := <-done
	if fin.err != nil {
		return Layer{}, fin.err
	}
	if err != nil {
		return Layer{}, err
	}

	if err := store.WriteSourceManifest(desc.Digest, tuples); err != nil {
		return Layer{}, err
	}

	return Layer{
		Descriptor: v1.Descriptor{MediaType: types.OCILayer, Digest: desc.Digest, Size: desc.Size},
		DiffID:     fin.res.DiffID,
	}, nil
}

// BuildApplicationLayer packs the project's include paths under workdir.
func BuildApplicationLayer(store *cache.Store, meta project.ProjectMetadata, workdir string, reproducible bool, sourceDateEpoch int64, extraExcludes []string) (Layer, error) {
	excludes := append(append([]string{}, DefaultExcludes...), extraExcludes...)
	var combined fileSet
	combined.absPaths = map[string]string{}
	for _, rel := range meta.IncludePaths {
		abs := filepath.Join(meta.ContextRoot, rel)
		info, err := os.Stat(abs)
		if err != nil {
			return Layer{}, ocierr.IoError{Path: abs, Cause: err}
		}
		if info.IsDir() {
			sub, err := walkFileSet(abs, excludes)
			if err != nil {
				return Layer{}, err
			}
			for _, r := range sub.relPaths {
				archiveRel := filepath.Join(rel, r)
				combined.relPaths = append(combined.relPaths, archiveRel)
				combined.absPaths[archiveRel] = sub.absPaths[r]
			}
		} else {
			combined.relPaths = append(combined.relPaths, rel)
			combined.absPaths[rel] = abs
		}
	}
	sort.Strings(combined.relPaths)

	return buildLayerFromFileSet(store, combined, strings.TrimPrefix(workdir, "/")+"/", reproducible, sourceDateEpoch, "layer")
}

// BuildDependenciesLayer packs either a virtualenv's site-packages contents
// or a verbatim requirements file, per §4.6. Returns ok=false if
// meta.DependenciesSource is "none".
func BuildDependenciesLayer(store *cache.Store, meta project.ProjectMetadata, workdir, interpreterTag string, reproducible bool, sourceDateEpoch int64) (Layer, bool, error) {
	switch meta.DependenciesSource.Kind {
	case "virtualenv":
		sitePackages := filepath.Join(meta.DependenciesSource.Path, "lib", interpreterTag, "site-packages")
		if _, err := os.Stat(sitePackages); err != nil {
			return Layer{}, false, nil
		}
		fs, err := walkFileSet(sitePackages, DefaultExcludes)
		if err != nil {
			return Layer{}, false, err
		}
		prefixed := fileSet{absPaths: map[string]string{}}
		for _, rel := range fs.relPaths {
			archiveRel := filepath.Join("site-packages", rel)
			prefixed.relPaths = append(prefixed.relPaths, archiveRel)
			prefixed.absPaths[archiveRel] = fs.absPaths[rel]
		}
		sort.Strings(prefixed.relPaths)
		layer, err := buildLayerFromFileSet(store, prefixed, strings.TrimPrefix(workdir, "/")+"/", reproducible, sourceDateEpoch, "layer")
		return layer, true, err
	case "requirements_file":
		fs := fileSet{
			relPaths: []string{filepath.Base(meta.DependenciesSource.Path)},
			absPaths: map[string]string{filepath.Base(meta.DependenciesSource.Path): meta.DependenciesSource.Path},
		}
		layer, err := buildLayerFromFileSet(store, fs, strings.TrimPrefix(workdir, "/")+"/", reproducible, sourceDateEpoch, "layer")
		return layer, true, err
	default:
		return Layer{}, false, nil
	}
}
