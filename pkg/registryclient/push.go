package registryclient

import (
	"context"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// uploadConcurrency bounds how many layer blobs are uploaded at once during
// the pre-upload pass below, matching the push concurrency the registry
// typically tolerates before throttling.
const uploadConcurrency = 4

// Push writes the single-platform (or multi-platform) OCI image index
// rooted at layoutDir to tag, authenticating via the client's chain. The
// blob upload state machine described in §4.8 — existence checks,
// monolithic-vs-chunked selection, 413/416 fallback and resume, retry on
// 5xx — is handled internally by remote.WriteLayer/WriteIndex; Push adds a
// bounded concurrent pre-upload pass over the constituent layers ahead of
// the index write, using golang.org/x/sync/errgroup's SetLimit rather than
// a hand-rolled semaphore, so large multi-layer images aren't uploaded one
// blob at a time.
func (c *Client) Push(ctx context.Context, layoutDir, tag string, updates chan v1.Update) (digest string, err error) {
	ref, err := c.parseRef(tag)
	if err != nil {
		return "", err
	}

	ii, err := layout.ImageIndexFromPath(layoutDir)
	if err != nil {
		return "", ocierr.PushFailed{Reason: "reading layout: " + err.Error()}
	}

	if err := c.preUploadLayers(ctx, ref, ii); err != nil {
		return "", ocierr.PushFailed{Reason: err.Error()}
	}

	if err := remote.WriteIndex(ref, ii, c.options(ctx, updates)...); err != nil {
		return "", ocierr.PushFailed{Reason: err.Error()}
	}

	h, err := ii.Digest()
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// preUploadLayers concurrently uploads every layer blob referenced by ii's
// constituent manifests, bounded to uploadConcurrency in flight at once.
// remote.WriteIndex still performs its own existence check per blob
// afterward, so a layer already uploaded here is simply skipped there.
func (c *Client) preUploadLayers(ctx context.Context, ref name.Reference, ii v1.ImageIndex) error {
	manifest, err := ii.IndexManifest()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, desc := range manifest.Manifests {
		desc := desc
		img, err := ii.Image(desc.Digest)
		if err != nil {
			return err
		}
		layers, err := img.Layers()
		if err != nil {
			return err
		}
		for _, layer := range layers {
			layer := layer
			g.Go(func() error {
				return remote.WriteLayer(ref.Context(), layer, c.options(gctx, nil)...)
			})
		}
	}

	return g.Wait()
}
