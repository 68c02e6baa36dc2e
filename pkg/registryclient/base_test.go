package registryclient

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/spboyer/pycontainer-build/pkg/auth"
	"github.com/spboyer/pycontainer-build/pkg/cache"
)

// startTestRegistry runs an in-process OCI registry, the same fake the
// teacher's builder tests push fixtures to.
func startTestRegistry(t *testing.T) string {
	t.Helper()
	s := http.Server{Handler: registry.New(registry.Logger(log.New(io.Discard, "", 0)))}
	t.Cleanup(func() { s.Close() })

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l)
	return l.Addr().String()
}

func TestResolveBase_SingleArchImage(t *testing.T) {
	addr := startTestRegistry(t)
	ref := addr + "/base/python:slim"

	img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{
		OS: "linux", Architecture: "amd64",
		Config: v1.Config{Env: []string{"PATH=/usr/bin"}, WorkingDir: "/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	layer := static.NewLayer([]byte("layer-bytes"), types.OCILayer)
	img, err = mutate.AppendLayers(img, layer)
	if err != nil {
		t.Fatal(err)
	}

	tag, err := name.NewTag(ref, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(tag, img, remote.WithAuthFromKeychain(auth.Chain{})); err != nil {
		t.Fatal(err)
	}

	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(auth.Chain{}, true)

	base, err := c.ResolveBase(context.Background(), ref, v1.Platform{OS: "linux", Architecture: "amd64"}, store, false)
	if err != nil {
		t.Fatalf("ResolveBase: %v", err)
	}
	if base.Config.OS != "linux" || base.Config.Architecture != "amd64" {
		t.Errorf("unexpected config: %+v", base.Config)
	}
	if len(base.Layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(base.Layers))
	}
	if !store.Has(base.Layers[0].Digest) {
		t.Error("expected the base layer to be cached after resolution")
	}
}

func TestResolveBase_ForceRefreshStillPopulatesStore(t *testing.T) {
	addr := startTestRegistry(t)
	ref := addr + "/base/python:slim-nocache"

	img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{OS: "linux", Architecture: "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	layer := static.NewLayer([]byte("nocache-layer-bytes"), types.OCILayer)
	img, err = mutate.AppendLayers(img, layer)
	if err != nil {
		t.Fatal(err)
	}
	tag, err := name.NewTag(ref, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.Write(tag, img, remote.WithAuthFromKeychain(auth.Chain{})); err != nil {
		t.Fatal(err)
	}

	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(auth.Chain{}, true)

	// First resolve populates the store; the second, with forceRefresh,
	// must re-download rather than short-circuit on store.Has, but still
	// leave the persistent store populated with the same digest.
	if _, err := c.ResolveBase(context.Background(), ref, v1.Platform{OS: "linux", Architecture: "amd64"}, store, false); err != nil {
		t.Fatalf("initial ResolveBase: %v", err)
	}
	base, err := c.ResolveBase(context.Background(), ref, v1.Platform{OS: "linux", Architecture: "amd64"}, store, true)
	if err != nil {
		t.Fatalf("ResolveBase with forceRefresh: %v", err)
	}
	if len(base.Layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(base.Layers))
	}
	if !store.Has(base.Layers[0].Digest) {
		t.Error("expected the persistent store to still contain the layer after a forceRefresh resolve")
	}
}

func TestResolveBase_IndexSelectsMatchingPlatform(t *testing.T) {
	addr := startTestRegistry(t)
	ref := addr + "/base/python:multiarch"

	amd64Img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{OS: "linux", Architecture: "amd64"})
	if err != nil {
		t.Fatal(err)
	}
	arm64Img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{OS: "linux", Architecture: "arm64"})
	if err != nil {
		t.Fatal(err)
	}

	idx := mutate.AppendManifests(empty.Index,
		mutate.IndexAddendum{Add: amd64Img, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}}},
		mutate.IndexAddendum{Add: arm64Img, Descriptor: v1.Descriptor{Platform: &v1.Platform{OS: "linux", Architecture: "arm64"}}},
	)

	tag, err := name.NewTag(ref, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.WriteIndex(tag, idx, remote.WithAuthFromKeychain(auth.Chain{})); err != nil {
		t.Fatal(err)
	}

	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(auth.Chain{}, true)

	base, err := c.ResolveBase(context.Background(), ref, v1.Platform{OS: "linux", Architecture: "arm64"}, store, false)
	if err != nil {
		t.Fatalf("ResolveBase: %v", err)
	}
	if base.Config.Architecture != "arm64" {
		t.Errorf("expected the arm64 manifest, got architecture %q", base.Config.Architecture)
	}
}

func TestResolveBase_EmptyImageIsFromScratch(t *testing.T) {
	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(auth.Chain{}, false)
	base, err := c.ResolveBase(context.Background(), "", v1.Platform{}, store, false)
	if err != nil {
		t.Fatal(err)
	}
	if base.Config.OS != "" || len(base.Layers) != 0 {
		t.Errorf("expected a zero-value BaseImage, got %+v", base)
	}
}

func TestIsShellLess_DetectsDistrolessReference(t *testing.T) {
	if !isShellLess("gcr.io/distroless/python3", v1.ConfigFile{}) {
		t.Error("expected a distroless reference to be detected as shell-less")
	}
	if isShellLess("python:3.11-slim", v1.ConfigFile{}) {
		t.Error("did not expect a slim Debian-based image to be flagged shell-less")
	}
}
