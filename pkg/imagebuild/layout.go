package imagebuild

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

const ociLayoutMarker = `{"imageLayoutVersion":"1.0.0"}`

// LayoutWriter writes a single-platform OCI image layout rooted at Dir,
// transactionally: every blob is hardlinked from the cache or copied through
// a temp name and renamed into place, and index.json is written the same way
// only after all blobs are present, so a failed write never leaves an index
// pointing at a missing or partial blob.
type LayoutWriter struct {
	Dir   string
	Store *cache.Store
}

func (w *LayoutWriter) blobsDir() string { return filepath.Join(w.Dir, "blobs", "sha256") }

// WriteConfig canonically JSON-encodes cfg, installs it into the cache, and
// returns its descriptor.
func (w *LayoutWriter) WriteConfig(cfg v1.ConfigFile) (v1.Descriptor, error) {
	b, err := Canonicalize(cfg)
	if err != nil {
		return v1.Descriptor{}, err
	}
	desc, err := w.Store.PutBytes(b, "config")
	if err != nil {
		return v1.Descriptor{}, err
	}
	return v1.Descriptor{MediaType: types.OCIConfigJSON, Digest: desc.Digest, Size: desc.Size}, nil
}

// WriteManifest links configDesc and layerDescs into a manifest (computed
// only after the config digest is known, per §4.7) and returns its
// descriptor annotated with platform.
func (w *LayoutWriter) WriteManifest(platform v1.Platform, configDesc v1.Descriptor, layerDescs []v1.Descriptor) (v1.Descriptor, error) {
	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config:        configDesc,
		Layers:        layerDescs,
	}
	b, err := Canonicalize(manifest)
	if err != nil {
		return v1.Descriptor{}, err
	}
	desc, err := w.Store.PutBytes(b, "manifest")
	if err != nil {
		return v1.Descriptor{}, err
	}
	p := platform
	return v1.Descriptor{
		MediaType: types.OCIManifestSchema1,
		Digest:    desc.Digest,
		Size:      desc.Size,
		Platform:  &p,
	}, nil
}

// Materialize promotes the config, manifest, and every layer descriptor's
// blob from the cache into the layout's own blobs directory, writes
// index.json referencing the manifest under tag, writes the oci-layout
// marker if absent, and (if tag is non-empty) the refs/tags/<tag> pointer.
func (w *LayoutWriter) Materialize(tag string, manifestDesc v1.Descriptor, allBlobDigests []v1.Hash) error {
	if err := os.MkdirAll(w.blobsDir(), 0o755); err != nil {
		return ocierr.IoError{Path: w.blobsDir(), Cause: err}
	}

	for _, d := range allBlobDigests {
		if err := w.Store.PromoteToBuild(d, w.blobsDir()); err != nil {
			return err
		}
	}
	if err := w.Store.PromoteToBuild(manifestDesc.Digest, w.blobsDir()); err != nil {
		return err
	}

	markerPath := filepath.Join(w.Dir, "oci-layout")
	if _, err := os.Stat(markerPath); os.IsNotExist(err) {
		if err := writeAtomic(markerPath, []byte(ociLayoutMarker)); err != nil {
			return err
		}
	}

	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests: []v1.Descriptor{
			withRefAnnotation(manifestDesc, tag),
		},
	}
	b, err := Canonicalize(index)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(w.Dir, "index.json"), b); err != nil {
		return err
	}

	if tag != "" {
		refPath := filepath.Join(w.Dir, "refs", "tags", tag)
		if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
			return ocierr.IoError{Path: filepath.Dir(refPath), Cause: err}
		}
		if err := writeAtomic(refPath, []byte(manifestDesc.Digest.String())); err != nil {
			return err
		}
	}

	return nil
}

func withRefAnnotation(desc v1.Descriptor, tag string) v1.Descriptor {
	if tag == "" {
		return desc
	}
	out := desc
	out.Annotations = map[string]string{"org.opencontainers.image.ref.name": tag}
	return out
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return ocierr.IoError{Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return ocierr.IoError{Path: path, Cause: err}
	}
	return nil
}

// ValidateLayout is a light sanity check used by tests: every digest
// referenced from index.json must exist under blobs/sha256/.
func ValidateLayout(dir string) error {
	idxPath := filepath.Join(dir, "index.json")
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return ocierr.IoError{Path: idxPath, Cause: err}
	}
	if !bytes.Contains(b, []byte(`"schemaVersion":2`)) {
		return fmt.Errorf("index.json missing schemaVersion")
	}
	var idx v1.IndexManifest
	if err := json.Unmarshal(b, &idx); err != nil {
		return fmt.Errorf("parsing index.json: %w", err)
	}
	for _, m := range idx.Manifests {
		blob := filepath.Join(dir, "blobs", m.Digest.Algorithm, m.Digest.Hex)
		if _, err := os.Stat(blob); err != nil {
			return ocierr.IoError{Path: blob, Cause: err}
		}
	}
	return nil
}
