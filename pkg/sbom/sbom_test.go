package sbom

import (
	"strings"
	"testing"
	"time"

	"deps.dev/util/pypi"

	"github.com/spboyer/pycontainer-build/pkg/config"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

func testMeta() project.ProjectMetadata {
	return project.ProjectMetadata{
		Dependencies: []pypi.Dependency{
			{Name: "requests", Constraint: "==2.31.0"},
			{Name: "flask", Constraint: ">=2.0"},
			{Name: "numpy"},
		},
	}
}

func TestBuildComponents_PinnedVersionFlowsIntoPURL(t *testing.T) {
	components := BuildComponents(testMeta())
	if len(components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(components))
	}
	if components[0].Version != "2.31.0" {
		t.Errorf("expected pinned version 2.31.0, got %q", components[0].Version)
	}
	if !strings.Contains(components[0].PURL, "pkg:pypi/requests@2.31.0") {
		t.Errorf("unexpected purl: %q", components[0].PURL)
	}
}

func TestBuildComponents_LooseConstraintHasNoVersion(t *testing.T) {
	components := BuildComponents(testMeta())
	if components[1].Version != "" {
		t.Errorf("expected an empty version for a >= constraint, got %q", components[1].Version)
	}
	if components[2].Version != "" {
		t.Errorf("expected an empty version for an unconstrained dependency, got %q", components[2].Version)
	}
}

func TestGenerate_CycloneDXIsCanonicalJSON(t *testing.T) {
	b, err := Generate(config.SBOMCycloneDX, BuildComponents(testMeta()), time.Unix(0, 0), "demoapp", "MIT")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "\n") {
		t.Error("expected no insignificant whitespace in the canonical document")
	}
	if !strings.Contains(string(b), `"bomFormat":"CycloneDX"`) {
		t.Errorf("missing bomFormat field: %s", b)
	}
	if !strings.Contains(string(b), `"id":"MIT"`) {
		t.Errorf("expected the canonicalized license to appear: %s", b)
	}
}

func TestGenerate_SPDXListsExternalRefs(t *testing.T) {
	b, err := Generate(config.SBOMSPDX, BuildComponents(testMeta()), time.Unix(0, 0), "demoapp", "MIT")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"referenceType":"purl"`) {
		t.Errorf("expected a purl external ref: %s", b)
	}
	if !strings.Contains(string(b), `"licenseConcluded":"MIT"`) {
		t.Errorf("expected the root package's license: %s", b)
	}
}

func TestGenerate_SPDXFallsBackToNoAssertionForUnrecognizedLicense(t *testing.T) {
	b, err := Generate(config.SBOMSPDX, nil, time.Unix(0, 0), "demoapp", "not a license")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"licenseConcluded":"NOASSERTION"`) {
		t.Errorf("expected NOASSERTION fallback: %s", b)
	}
}

func TestGenerate_NoneReturnsNil(t *testing.T) {
	b, err := Generate(config.SBOMNone, nil, time.Unix(0, 0), "demoapp", "")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Errorf("expected nil bytes for SBOMNone, got %s", b)
	}
}

func TestCanonicalLicense_EmptyAndInvalidYieldEmpty(t *testing.T) {
	if CanonicalLicense("") != "" {
		t.Error("expected an empty expression to canonicalize to empty")
	}
	if CanonicalLicense("not a license") != "" {
		t.Error("expected an invalid expression to canonicalize to empty")
	}
	if CanonicalLicense("MIT") != "MIT" {
		t.Errorf("expected MIT to canonicalize to itself, got %q", CanonicalLicense("MIT"))
	}
}

func TestFileName(t *testing.T) {
	if FileName(config.SBOMCycloneDX) != "sbom.cyclonedx.json" {
		t.Error("unexpected cyclonedx file name")
	}
	if FileName(config.SBOMSPDX) != "sbom.spdx.json" {
		t.Error("unexpected spdx file name")
	}
	if FileName(config.SBOMNone) != "" {
		t.Error("expected empty file name for SBOMNone")
	}
}
