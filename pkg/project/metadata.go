// Package project introspects a Python project directory, producing the
// ProjectMetadata that drives layer contents, entry-point selection, and
// SBOM package enumeration.
package project

import (
	"os"
	"path/filepath"
	"strings"

	"deps.dev/util/pypi"
	"deps.dev/util/semver"
	"github.com/pelletier/go-toml"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// DependenciesSource is the tagged variant describing where a project's
// installable dependencies come from.
type DependenciesSource struct {
	Kind string // "virtualenv", "requirements_file", or "none"
	Path string
}

// Framework is one of the recognized web-framework tags.
type Framework string

const (
	FrameworkNone     Framework = "none"
	FrameworkFastAPI  Framework = "fastapi"
	FrameworkFlask    Framework = "flask"
	FrameworkDjango   Framework = "django"
)

// ScriptEntry is one entry of the project's script table, order-preserved.
type ScriptEntry struct {
	Name   string
	Target string // either a bare argv command, or "pkg.mod:func"
}

// ProjectMetadata is produced by Introspect.
type ProjectMetadata struct {
	Name                     string
	Version                  string
	License                  string // raw PEP 639 SPDX expression, "" if absent or classic-table form
	DeclaredInterpreterRange string // "" means absent
	ScriptMap                []ScriptEntry
	Dependencies             []pypi.Dependency
	DependenciesSource       DependenciesSource
	Framework                Framework
	IncludePaths             []string
	ContextRoot              string
}

type pyprojectDoc struct {
	Project struct {
		Name           string   `toml:"name"`
		Version        string   `toml:"version"`
		RequiresPython string   `toml:"requires-python"`
		Dependencies   []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name    string `toml:"name"`
			Version string `toml:"version"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

const defaultRequirementsFileName = "requirements.txt"

// Introspect reads the project manifest (pyproject.toml, with a
// requirements.txt fallback for dependency enumeration) rooted at
// contextRoot and produces its metadata, including framework detection
// (§4.4 folded into the same pass since both need the parsed dependency
// list).
func Introspect(contextRoot, requirementsFileName string) (ProjectMetadata, error) {
	if requirementsFileName == "" {
		requirementsFileName = defaultRequirementsFileName
	}
	info, err := os.Stat(contextRoot)
	if err != nil || !info.IsDir() {
		return ProjectMetadata{}, ocierr.ProjectNotFound{Path: contextRoot}
	}

	meta := ProjectMetadata{ContextRoot: contextRoot}

	pyprojectPath := filepath.Join(contextRoot, "pyproject.toml")
	var doc pyprojectDoc
	var tree *toml.Tree
	var license string
	havePyproject := false
	if b, err := os.ReadFile(pyprojectPath); err == nil {
		havePyproject = true
		tree, err = toml.LoadBytes(b)
		if err != nil {
			return ProjectMetadata{}, ocierr.ProjectMetadataMissing{Path: pyprojectPath, Reason: err.Error()}
		}
		if err := tree.Unmarshal(&doc); err != nil {
			return ProjectMetadata{}, ocierr.ProjectMetadataMissing{Path: pyprojectPath, Reason: err.Error()}
		}
		// PEP 639's plain SPDX-expression string form; the classic
		// PEP 621 {text = "..."} table form is left unrecognized rather
		// than risked against the strict struct decode above.
		if l, ok := tree.Get("project.license").(string); ok {
			license = l
		}
	} else if !os.IsNotExist(err) {
		return ProjectMetadata{}, ocierr.IoError{Path: pyprojectPath, Cause: err}
	}

	meta.Name = doc.Project.Name
	meta.Version = doc.Project.Version
	meta.License = license
	if meta.Name == "" {
		meta.Name = doc.Tool.Poetry.Name
	}
	if meta.Version == "" {
		meta.Version = doc.Tool.Poetry.Version
	}
	if !havePyproject {
		meta.Name = filepath.Base(contextRoot)
	}

	meta.DeclaredInterpreterRange = parseInterpreterRange(doc.Project.RequiresPython)

	meta.ScriptMap = scriptMap(tree)

	deps, err := parseDependencies(contextRoot, doc, requirementsFileName)
	if err != nil {
		return ProjectMetadata{}, err
	}
	meta.Dependencies = deps

	meta.DependenciesSource = detectDependenciesSource(contextRoot, requirementsFileName)
	meta.Framework = detectFramework(contextRoot, deps)
	meta.IncludePaths = detectIncludePaths(contextRoot, meta.Name, requirementsFileName, havePyproject)

	return meta, nil
}

// scriptMap returns [project.scripts] entries if present, else
// [tool.poetry.scripts], in true source declaration order. go-toml's struct
// decode can't preserve table key order (it lands in a plain Go map), so
// scripts are read directly off the *toml.Tree via Keys(), the same
// technique unknownKeys uses in pkg/config/file.go.
func scriptMap(tree *toml.Tree) []ScriptEntry {
	if tree == nil {
		return nil
	}
	sub, ok := tree.Get("project.scripts").(*toml.Tree)
	if !ok {
		sub, ok = tree.Get("tool.poetry.scripts").(*toml.Tree)
	}
	if !ok {
		return nil
	}
	keys := sub.Keys()
	entries := make([]ScriptEntry, 0, len(keys))
	for _, name := range keys {
		target, _ := sub.Get(name).(string)
		entries = append(entries, ScriptEntry{Name: name, Target: target})
	}
	return entries
}

// candidateInterpreters are the CPython minor releases checked, in order,
// against a parsed requires-python constraint to find the lowest one it
// admits. Kept short and ascending since a project's declared floor rarely
// predates 3.6 and pycontainer-build never targets an interpreter newer than
// the latest entry here.
var candidateInterpreters = []string{
	"3.6", "3.7", "3.8", "3.9", "3.10", "3.11", "3.12", "3.13",
}

// parseInterpreterRange resolves a PEP 440 version specifier set such as
// ">=3.11,<4" to the lowest CPython minor version it admits, using
// deps.dev/util/semver's PyPI constraint grammar rather than a hand-rolled
// prefix match, so operators beyond a leading ">=" (e.g. "~=3.11") are
// still handled correctly. Any unparseable or unsatisfiable spec yields an
// absent range, matching §4.3's "otherwise the range is absent" rule.
func parseInterpreterRange(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ""
	}
	constraint, err := semver.PyPI.ParseConstraint(spec)
	if err != nil {
		return ""
	}
	set := constraint.Set()
	for _, candidate := range candidateInterpreters {
		if ok, err := set.Match(candidate); err == nil && ok {
			return candidate
		}
	}
	return ""
}

func detectDependenciesSource(contextRoot, requirementsFileName string) DependenciesSource {
	for _, candidate := range []string{"venv", ".venv", "env"} {
		p := filepath.Join(contextRoot, candidate)
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			return DependenciesSource{Kind: "virtualenv", Path: p}
		}
	}
	reqPath := filepath.Join(contextRoot, requirementsFileName)
	if st, err := os.Stat(reqPath); err == nil && !st.IsDir() {
		return DependenciesSource{Kind: "requirements_file", Path: reqPath}
	}
	return DependenciesSource{Kind: "none"}
}

func detectIncludePaths(contextRoot, projectName, requirementsFileName string, havePyproject bool) []string {
	var paths []string
	add := func(rel string) {
		if _, err := os.Stat(filepath.Join(contextRoot, rel)); err == nil {
			paths = append(paths, rel)
		}
	}
	switch {
	case exists(filepath.Join(contextRoot, "src")):
		add("src")
	case exists(filepath.Join(contextRoot, "app")):
		add("app")
	case projectName != "" && exists(filepath.Join(contextRoot, projectName)):
		add(projectName)
	}
	if havePyproject {
		paths = append(paths, "pyproject.toml")
	}
	if _, err := os.Stat(filepath.Join(contextRoot, requirementsFileName)); err == nil {
		paths = append(paths, requirementsFileName)
	}
	return paths
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func parseDependencies(contextRoot string, doc pyprojectDoc, requirementsFileName string) ([]pypi.Dependency, error) {
	var lines []string
	if len(doc.Project.Dependencies) > 0 {
		lines = doc.Project.Dependencies
	} else {
		reqPath := filepath.Join(contextRoot, requirementsFileName)
		b, err := os.ReadFile(reqPath)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, ocierr.IoError{Path: reqPath, Cause: err}
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
				continue
			}
			lines = append(lines, line)
		}
	}

	deps := make([]pypi.Dependency, 0, len(lines))
	for _, line := range lines {
		d, err := pypi.ParseDependency(line)
		if err != nil {
			// A single malformed requirement line does not abort
			// introspection; the SBOM step simply omits it.
			continue
		}
		deps = append(deps, d)
	}
	return deps, nil
}
