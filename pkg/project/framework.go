package project

import (
	"os"
	"path/filepath"
	"strings"

	"deps.dev/util/pypi"
)

// detectFramework scans declared dependencies by exact canonical name, then
// falls back to the presence of a manage.py marker file (which implies
// django even without an explicit dependency entry, matching projects that
// vendor Django via a non-pip-managed environment).
func detectFramework(contextRoot string, deps []pypi.Dependency) Framework {
	for _, d := range deps {
		switch d.Name {
		case "fastapi":
			return FrameworkFastAPI
		case "flask":
			return FrameworkFlask
		case "django":
			return FrameworkDjango
		}
	}
	if _, err := os.Stat(filepath.Join(contextRoot, "manage.py")); err == nil {
		return FrameworkDjango
	}
	return FrameworkNone
}

// FrameworkDefaults is the entrypoint/port pair a detected framework
// contributes as a default — never an override of an explicit user value.
type FrameworkDefaults struct {
	Entrypoint []string
	Port       int
}

// Defaults returns the framework's default entrypoint and exposed port.
// module is the first discovered module containing a `FastAPI(...)`
// instance, required only for the fastapi case.
func (f Framework) Defaults(module string) (FrameworkDefaults, bool) {
	switch f {
	case FrameworkFastAPI:
		target := module
		if target == "" {
			target = "main"
		}
		return FrameworkDefaults{
			Entrypoint: []string{"uvicorn", target + ":app", "--host", "0.0.0.0", "--port", "8000"},
			Port:       8000,
		}, true
	case FrameworkFlask:
		return FrameworkDefaults{
			Entrypoint: []string{"flask", "run", "--host=0.0.0.0"},
			Port:       5000,
		}, true
	case FrameworkDjango:
		return FrameworkDefaults{
			Entrypoint: []string{"<interpreter>", "manage.py", "runserver", "0.0.0.0:8000"},
			Port:       8000,
		}, true
	default:
		return FrameworkDefaults{}, false
	}
}

// FindFastAPIModule scans the project's Python files for the first one
// declaring a `FastAPI(` instantiation, in lexicographic path order, and
// returns its dotted module path relative to contextRoot. Returns "" if
// none is found.
func FindFastAPIModule(contextRoot string) string {
	var found string
	filepath.Walk(contextRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == ".venv" || base == "venv" || base == "env" || base == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".py" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if containsFastAPIInstance(string(b)) {
			rel, err := filepath.Rel(contextRoot, path)
			if err != nil {
				return nil
			}
			found = toModulePath(rel)
		}
		return nil
	})
	return found
}

func containsFastAPIInstance(src string) bool {
	return strings.Contains(src, "FastAPI(")
}

func toModulePath(rel string) string {
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = strings.ReplaceAll(rel, "/", ".")
	return strings.ReplaceAll(rel, "\\", ".")
}

// FrameworkEntrypoint returns the detected framework's default entrypoint
// argv, if any, substituting interpreter for the "<interpreter>" placeholder
// (used by the Django default). Callers that need to feed the framework
// default and the project script into the config merger as two distinct
// precedence tiers (rather than one pre-collapsed result) should use this
// and ScriptEntrypoint directly instead of ResolveEntrypoint.
func FrameworkEntrypoint(meta ProjectMetadata, interpreter, fastAPIModule string) ([]string, bool) {
	defaults, ok := meta.Framework.Defaults(fastAPIModule)
	if !ok {
		return nil, false
	}
	argv := make([]string, len(defaults.Entrypoint))
	copy(argv, defaults.Entrypoint)
	for i, a := range argv {
		if a == "<interpreter>" {
			argv[i] = interpreter
		}
	}
	return argv, true
}

// ScriptEntrypoint converts the first declared [project.scripts]/
// [tool.poetry.scripts] entry, in declaration order, to argv.
func ScriptEntrypoint(meta ProjectMetadata, interpreter string) ([]string, bool) {
	if len(meta.ScriptMap) == 0 {
		return nil, false
	}
	return scriptToArgv(meta.ScriptMap[0], interpreter), true
}

// ResolveEntrypoint applies spec.md:144's precedence among the non-user,
// non-base candidates: the framework default first, else the first
// declared script, else the "-m app" fallback — used only when the config
// merger has no higher-precedence user override.
func ResolveEntrypoint(meta ProjectMetadata, interpreter, fastAPIModule string) ([]string, bool) {
	if argv, ok := FrameworkEntrypoint(meta, interpreter, fastAPIModule); ok {
		return argv, true
	}
	if argv, ok := ScriptEntrypoint(meta, interpreter); ok {
		return argv, true
	}
	if meta.Framework == FrameworkNone {
		return []string{interpreter, "-m", "app"}, true
	}
	return nil, false
}

// scriptToArgv converts a single script-table entry to argv. A target
// written "pkg.mod:func" maps to running that module; any other form is
// treated as a literal shell command split on whitespace.
func scriptToArgv(entry ScriptEntry, interpreter string) []string {
	if mod, _, ok := strings.Cut(entry.Target, ":"); ok && mod != "" {
		return []string{interpreter, "-m", mod}
	}
	return strings.Fields(entry.Target)
}
