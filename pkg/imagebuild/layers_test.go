package imagebuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

func newStoreForTest(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestBuildApplicationLayer_DeterministicAcrossRuns ensures building the
// same include path twice yields identical descriptors.
func TestBuildApplicationLayer_DeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := project.ProjectMetadata{ContextRoot: root, IncludePaths: []string{"app"}}

	s1 := newStoreForTest(t)
	l1, err := BuildApplicationLayer(s1, meta, "/app", true, 0, nil)
	if err != nil {
		t.Fatalf("BuildApplicationLayer: %v", err)
	}

	s2 := newStoreForTest(t)
	l2, err := BuildApplicationLayer(s2, meta, "/app", true, 0, nil)
	if err != nil {
		t.Fatalf("BuildApplicationLayer: %v", err)
	}

	if l1.Descriptor.Digest != l2.Descriptor.Digest {
		t.Errorf("digests differ across identical builds: %v vs %v", l1.Descriptor.Digest, l2.Descriptor.Digest)
	}
	if l1.DiffID != l2.DiffID {
		t.Errorf("diff IDs differ across identical builds: %v vs %v", l1.DiffID, l2.DiffID)
	}
}

// TestBuildApplicationLayer_ExcludesPycache ensures __pycache__ contents
// never make it into the application layer.
func TestBuildApplicationLayer_ExcludesPycache(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "app")
	if err := os.MkdirAll(filepath.Join(appDir, "__pycache__"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(appDir, "main.py"), []byte("x = 1\n"), 0o644)
	os.WriteFile(filepath.Join(appDir, "__pycache__", "main.cpython-311.pyc"), []byte("bytecode"), 0o644)

	meta := project.ProjectMetadata{ContextRoot: root, IncludePaths: []string{"app"}}
	s := newStoreForTest(t)
	l1, err := BuildApplicationLayer(s, meta, "/app", true, 0, nil)
	if err != nil {
		t.Fatalf("BuildApplicationLayer: %v", err)
	}

	// Remove the pycache dir and rebuild: if it was truly excluded, the
	// digest must be unchanged.
	os.RemoveAll(filepath.Join(appDir, "__pycache__"))
	s2 := newStoreForTest(t)
	l2, err := BuildApplicationLayer(s2, meta, "/app", true, 0, nil)
	if err != nil {
		t.Fatalf("BuildApplicationLayer: %v", err)
	}
	if l1.Descriptor.Digest != l2.Descriptor.Digest {
		t.Errorf("expected identical digest whether or not __pycache__ is present, got %v vs %v", l1.Descriptor.Digest, l2.Descriptor.Digest)
	}
}

// TestBuildDependenciesLayer_NoneSourceIsSkipped ensures a project with no
// detected dependencies source produces ok=false rather than an error.
func TestBuildDependenciesLayer_NoneSourceIsSkipped(t *testing.T) {
	s := newStoreForTest(t)
	meta := project.ProjectMetadata{DependenciesSource: project.DependenciesSource{Kind: "none"}}
	_, ok, err := BuildDependenciesLayer(s, meta, "/app", "python3.11", true, 0)
	if err != nil {
		t.Fatalf("BuildDependenciesLayer: %v", err)
	}
	if ok {
		t.Error("expected ok=false when dependencies source is none")
	}
}

// TestBuildDependenciesLayer_RequirementsFilePacksVerbatim ensures a
// requirements.txt dependency source is packed byte-for-byte.
func TestBuildDependenciesLayer_RequirementsFilePacksVerbatim(t *testing.T) {
	root := t.TempDir()
	reqPath := filepath.Join(root, "requirements.txt")
	os.WriteFile(reqPath, []byte("requests==2.31.0\n"), 0o644)

	meta := project.ProjectMetadata{
		ContextRoot:        root,
		DependenciesSource: project.DependenciesSource{Kind: "requirements_file", Path: reqPath},
	}
	s := newStoreForTest(t)
	layer, ok, err := BuildDependenciesLayer(s, meta, "/app", "python3.11", true, 0)
	if err != nil {
		t.Fatalf("BuildDependenciesLayer: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a requirements_file source")
	}
	if layer.Descriptor.Digest.Hex == "" {
		t.Error("expected a non-empty digest")
	}
}
