// Package sbom enumerates the project's declared Python dependencies and
// emits them as either a CycloneDX-like or SPDX-like document, canonically
// serialized alongside the image layout. Per §4.12, scope is limited to the
// project's own ecosystem: OS packages baked into base-image layers are
// never enumerated.
package sbom

import (
	"strconv"
	"strings"
	"time"

	"deps.dev/util/spdx"
	"github.com/package-url/packageurl-go"

	"github.com/spboyer/pycontainer-build/pkg/config"
	"github.com/spboyer/pycontainer-build/pkg/imagebuild"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

// Component is one enumerated dependency, reduced to the fields both
// document schemas need.
type Component struct {
	Name    string
	Version string
	PURL    string
}

// BuildComponents converts the project's parsed PEP 508 dependencies into
// SBOM components. A dependency pinned with "==" carries its exact version
// into the purl; anything looser (">=", "~=", or no constraint at all) is
// recorded with an empty version, since the actual installed version is
// only known at install time, not at build-plan time.
func BuildComponents(meta project.ProjectMetadata) []Component {
	components := make([]Component, 0, len(meta.Dependencies))
	for _, dep := range meta.Dependencies {
		version := pinnedVersion(dep.Constraint)
		purl := packageurl.NewPackageURL(packageurl.TypePyPi, "", dep.Name, version, nil, "")
		components = append(components, Component{
			Name:    dep.Name,
			Version: version,
			PURL:    purl.ToString(),
		})
	}
	return components
}

func pinnedVersion(constraint string) string {
	c := strings.TrimSpace(constraint)
	if strings.HasPrefix(c, "==") {
		v := strings.TrimSpace(strings.TrimPrefix(c, "=="))
		if !strings.ContainsAny(v, "*,") {
			return v
		}
	}
	return ""
}

// CanonicalLicense parses expr as an SPDX license expression and returns its
// canonical form, or "" if expr is empty or not a valid expression — an
// unrecognized license is omitted from the document rather than failing the
// (non-fatal, per §7) SBOM step.
func CanonicalLicense(expr string) string {
	if expr == "" {
		return ""
	}
	parsed, err := spdx.ParseLicenseExpression(expr)
	if err != nil {
		return ""
	}
	if err := parsed.Valid(); err != nil {
		return ""
	}
	parsed.Canon()
	return parsed.String()
}

// cycloneDXDocument is a reduced CycloneDX 1.5-shaped document: only the
// fields the emitter actually populates, since a full schema is out of
// scope for a build-time tool.
type cycloneDXDocument struct {
	BOMFormat   string               `json:"bomFormat"`
	SpecVersion string               `json:"specVersion"`
	Version     int                  `json:"version"`
	Metadata    cycloneDXMetadata    `json:"metadata"`
	Components  []cycloneDXComponent `json:"components"`
}

type cycloneDXMetadata struct {
	Timestamp string             `json:"timestamp"`
	Licenses  []cycloneDXLicense `json:"licenses,omitempty"`
}

type cycloneDXLicense struct {
	License cycloneDXLicenseID `json:"license"`
}

type cycloneDXLicenseID struct {
	ID string `json:"id"`
}

type cycloneDXComponent struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	PURL    string `json:"purl"`
}

// spdxDocument is a reduced SPDX 2.3-shaped document.
type spdxDocument struct {
	SPDXVersion  string           `json:"spdxVersion"`
	SPDXID       string           `json:"SPDXID"`
	Name         string           `json:"name"`
	CreationInfo spdxCreationInfo `json:"creationInfo"`
	Packages     []spdxPackage    `json:"packages"`
}

type spdxCreationInfo struct {
	Created string `json:"created"`
}

type spdxPackage struct {
	SPDXID           string            `json:"SPDXID"`
	Name             string            `json:"name"`
	VersionInfo      string            `json:"versionInfo,omitempty"`
	LicenseConcluded string            `json:"licenseConcluded,omitempty"`
	ExternalRefs     []spdxExternalRef `json:"externalRefs,omitempty"`
}

type spdxExternalRef struct {
	ReferenceCategory string `json:"referenceCategory"`
	ReferenceType     string `json:"referenceType"`
	ReferenceLocator  string `json:"referenceLocator"`
}

// Generate canonicalizes and returns the requested document as bytes, ready
// to be written as sbom.<format>.json. created is the build's determinism
// timestamp (epoch-zero or SOURCE_DATE_EPOCH, per §4.1) so the document is
// reproducible alongside the rest of the layout. projectName and license
// describe the project itself rather than any one dependency; license is
// the project's raw declared SPDX expression (possibly empty or invalid —
// see CanonicalLicense) and is only ever attached to the project's own
// document entry, never inferred for a dependency.
func Generate(format config.SBOMFormat, components []Component, created time.Time, projectName, license string) ([]byte, error) {
	switch format {
	case config.SBOMCycloneDX:
		return generateCycloneDX(components, created, license)
	case config.SBOMSPDX:
		return generateSPDX(components, created, projectName, license)
	default:
		return nil, nil
	}
}

func generateCycloneDX(components []Component, created time.Time, license string) ([]byte, error) {
	metadata := cycloneDXMetadata{Timestamp: created.UTC().Format(time.RFC3339)}
	if canon := CanonicalLicense(license); canon != "" {
		metadata.Licenses = []cycloneDXLicense{{License: cycloneDXLicenseID{ID: canon}}}
	}
	doc := cycloneDXDocument{
		BOMFormat:   "CycloneDX",
		SpecVersion: "1.5",
		Version:     1,
		Metadata:    metadata,
	}
	for _, c := range components {
		doc.Components = append(doc.Components, cycloneDXComponent{
			Type: "library", Name: c.Name, Version: c.Version, PURL: c.PURL,
		})
	}
	return imagebuild.Canonicalize(doc)
}

func generateSPDX(components []Component, created time.Time, projectName, license string) ([]byte, error) {
	doc := spdxDocument{
		SPDXVersion:  "SPDX-2.3",
		SPDXID:       "SPDXRef-DOCUMENT",
		Name:         "dependency-layer",
		CreationInfo: spdxCreationInfo{Created: created.UTC().Format(time.RFC3339)},
	}
	if projectName != "" {
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:           "SPDXRef-Package-root",
			Name:             projectName,
			LicenseConcluded: firstNonEmpty(CanonicalLicense(license), "NOASSERTION"),
		})
	}
	for i, c := range components {
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:      spdxPackageID(i),
			Name:        c.Name,
			VersionInfo: c.Version,
			ExternalRefs: []spdxExternalRef{{
				ReferenceCategory: "PACKAGE-MANAGER",
				ReferenceType:     "purl",
				ReferenceLocator:  c.PURL,
			}},
		})
	}
	return imagebuild.Canonicalize(doc)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func spdxPackageID(i int) string {
	return "SPDXRef-Package-" + strconv.Itoa(i)
}

// FileName returns the sbom.<format>.json file name for format, per §3.
func FileName(format config.SBOMFormat) string {
	switch format {
	case config.SBOMCycloneDX:
		return "sbom.cyclonedx.json"
	case config.SBOMSPDX:
		return "sbom.spdx.json"
	default:
		return ""
	}
}
