// Package config resolves a BuildPlan from CLI flags, a project-local TOML
// file, and auto-detected defaults, in that precedence order.
package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// Platform is a parsed "<os>/<arch>[/<variant>]" triple.
type Platform struct {
	OS      string
	Arch    string
	Variant string
}

func (p Platform) String() string {
	if p.Variant != "" {
		return p.OS + "/" + p.Arch + "/" + p.Variant
	}
	return p.OS + "/" + p.Arch
}

// ParsePlatform parses the "<os>/<arch>[/<variant>]" form used on the CLI
// and in the config file.
func ParsePlatform(s string) (Platform, error) {
	if s == "" {
		return Platform{OS: "linux", Arch: "amd64"}, nil
	}
	parts := splitSlash(s)
	switch len(parts) {
	case 2:
		return Platform{OS: parts[0], Arch: parts[1]}, nil
	case 3:
		return Platform{OS: parts[0], Arch: parts[1], Variant: parts[2]}, nil
	default:
		return Platform{}, ocierr.InvalidConfig{Reason: "platform must be \"os/arch\" or \"os/arch/variant\": " + s}
	}
}

func splitSlash(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// SBOMFormat is one of the two recognized SBOM schema identifiers.
type SBOMFormat string

const (
	SBOMNone      SBOMFormat = ""
	SBOMCycloneDX SBOMFormat = "cyclonedx"
	SBOMSPDX      SBOMFormat = "spdx"
)

// BuildPlan is the merged, validated configuration for a single build. Once
// constructed it is treated as immutable for the lifetime of the build.
type BuildPlan struct {
	Tag              string
	ContextPath      string
	WorkDir          string
	Env              map[string]string
	Labels           map[string]string
	BaseImage        string
	IncludeDeps      bool
	RequirementsFile string
	Entrypoint       []string
	Platform         Platform
	Push             bool
	Registry         string
	RegistryUsername string
	RegistryPassword string
	RegistryToken    string
	CacheDir         string
	NoCache          bool
	Reproducible     bool
	SourceDateEpoch  int64 // 0 means unset; see pkg/tarutil for precedence
	GenerateSBOM     SBOMFormat
	Verbose          bool
	DryRun           bool
}

// FileConfig mirrors the project-local TOML document's shape.
type FileConfig struct {
	Build struct {
		Tag              string            `toml:"tag"`
		ContextPath      string            `toml:"context_path"`
		Workdir          string            `toml:"workdir"`
		BaseImage        string            `toml:"base_image"`
		IncludeDeps      bool              `toml:"include_deps"`
		RequirementsFile string            `toml:"requirements_file"`
		Entrypoint       []string          `toml:"entrypoint"`
		Platform         string            `toml:"platform"`
		Push             bool              `toml:"push"`
		CacheDir         string            `toml:"cache_dir"`
		NoCache          bool              `toml:"no_cache"`
		Reproducible     *bool             `toml:"reproducible"`
		GenerateSBOM     string            `toml:"generate_sbom"`
		Verbose          bool              `toml:"verbose"`
		DryRun           bool              `toml:"dry_run"`
		Env              map[string]string `toml:"env"`
		Labels           map[string]string `toml:"labels"`
	} `toml:"build"`
	Registry struct {
		Registry string `toml:"registry"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		Token    string `toml:"token"`
	} `toml:"registry"`
}

// CLIOverrides holds only the flags the user actually set on the command
// line; unset fields are zero values and must not shadow the file or
// defaults layer. Callers populate this directly from cobra/pflag's
// Changed() checks rather than from the flag's resting value.
type CLIOverrides struct {
	Tag              *string
	ContextPath      *string
	Workdir          *string
	BaseImage        *string
	IncludeDeps      *bool
	RequirementsFile *string
	Entrypoint       []string
	Platform         *string
	Push             *bool
	Registry         *string
	RegistryUsername *string
	RegistryPassword *string
	RegistryToken    *string
	CacheDir         *string
	NoCache          *bool
	Reproducible     *bool
	GenerateSBOM     *string
	Verbose          *bool
	DryRun           *bool
	Env              map[string]string
	Labels           map[string]string
}

const defaultRequirementsFile = "requirements.txt"
const defaultWorkdir = "/app"

// Merge produces the final BuildPlan from the three layers in precedence
// order: cli > file > auto-detected defaults. Unknown keys in the file
// document are rejected by LoadFile's allowlist check before Merge is ever
// reached.
func Merge(cli CLIOverrides, file FileConfig, defaultCacheDir string) (BuildPlan, error) {
	plan := BuildPlan{
		ContextPath:      ".",
		WorkDir:          defaultWorkdir,
		RequirementsFile: defaultRequirementsFile,
		CacheDir:         defaultCacheDir,
		Reproducible:     true,
		Platform:         Platform{OS: "linux", Arch: "amd64"},
		Env:              map[string]string{},
		Labels:           map[string]string{},
	}

	// file layer
	if file.Build.Tag != "" {
		plan.Tag = file.Build.Tag
	}
	if file.Build.ContextPath != "" {
		plan.ContextPath = file.Build.ContextPath
	}
	if file.Build.Workdir != "" {
		plan.WorkDir = file.Build.Workdir
	}
	if file.Build.BaseImage != "" {
		plan.BaseImage = file.Build.BaseImage
	}
	plan.IncludeDeps = file.Build.IncludeDeps
	if file.Build.RequirementsFile != "" {
		plan.RequirementsFile = file.Build.RequirementsFile
	}
	if len(file.Build.Entrypoint) > 0 {
		plan.Entrypoint = file.Build.Entrypoint
	}
	if file.Build.Platform != "" {
		p, err := ParsePlatform(file.Build.Platform)
		if err != nil {
			return BuildPlan{}, err
		}
		plan.Platform = p
	}
	plan.Push = file.Build.Push
	if file.Registry.Registry != "" {
		plan.Registry = file.Registry.Registry
	}
	if file.Registry.Username != "" {
		plan.RegistryUsername = file.Registry.Username
	}
	if file.Registry.Password != "" {
		plan.RegistryPassword = file.Registry.Password
	}
	if file.Registry.Token != "" {
		plan.RegistryToken = file.Registry.Token
	}
	if file.Build.CacheDir != "" {
		plan.CacheDir = file.Build.CacheDir
	}
	plan.NoCache = file.Build.NoCache
	if file.Build.Reproducible != nil {
		plan.Reproducible = *file.Build.Reproducible
	}
	if file.Build.GenerateSBOM != "" {
		f, err := parseSBOMFormat(file.Build.GenerateSBOM)
		if err != nil {
			return BuildPlan{}, err
		}
		plan.GenerateSBOM = f
	}
	plan.Verbose = file.Build.Verbose
	plan.DryRun = file.Build.DryRun
	mergeStringMap(plan.Env, file.Build.Env)
	mergeStringMap(plan.Labels, file.Build.Labels)

	// cli layer (highest precedence)
	if cli.Tag != nil {
		plan.Tag = *cli.Tag
	}
	if cli.ContextPath != nil {
		plan.ContextPath = *cli.ContextPath
	}
	if cli.Workdir != nil {
		plan.WorkDir = *cli.Workdir
	}
	if cli.BaseImage != nil {
		plan.BaseImage = *cli.BaseImage
	}
	if cli.IncludeDeps != nil {
		plan.IncludeDeps = *cli.IncludeDeps
	}
	if cli.RequirementsFile != nil {
		plan.RequirementsFile = *cli.RequirementsFile
	}
	if len(cli.Entrypoint) > 0 {
		plan.Entrypoint = cli.Entrypoint
	}
	if cli.Platform != nil {
		p, err := ParsePlatform(*cli.Platform)
		if err != nil {
			return BuildPlan{}, err
		}
		plan.Platform = p
	}
	if cli.Push != nil {
		plan.Push = *cli.Push
	}
	if cli.Registry != nil {
		plan.Registry = *cli.Registry
	}
	if cli.RegistryUsername != nil {
		plan.RegistryUsername = *cli.RegistryUsername
	}
	if cli.RegistryPassword != nil {
		plan.RegistryPassword = *cli.RegistryPassword
	}
	if cli.RegistryToken != nil {
		plan.RegistryToken = *cli.RegistryToken
	}
	if cli.CacheDir != nil {
		plan.CacheDir = *cli.CacheDir
	}
	if cli.NoCache != nil {
		plan.NoCache = *cli.NoCache
	}
	if cli.Reproducible != nil {
		plan.Reproducible = *cli.Reproducible
	}
	if cli.GenerateSBOM != nil {
		f, err := parseSBOMFormat(*cli.GenerateSBOM)
		if err != nil {
			return BuildPlan{}, err
		}
		plan.GenerateSBOM = f
	}
	if cli.Verbose != nil {
		plan.Verbose = *cli.Verbose
	}
	if cli.DryRun != nil {
		plan.DryRun = *cli.DryRun
	}
	mergeStringMap(plan.Env, cli.Env)
	mergeStringMap(plan.Labels, cli.Labels)

	if sde := os.Getenv("SOURCE_DATE_EPOCH"); sde != "" {
		if v, ok := parseInt64(sde); ok {
			plan.SourceDateEpoch = v
		}
	}

	if plan.Tag == "" {
		return BuildPlan{}, ocierr.InvalidConfig{Reason: "tag is required"}
	}

	return plan, nil
}

func mergeStringMap(dst, src map[string]string) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst[k] = src[k]
	}
}

func parseSBOMFormat(s string) (SBOMFormat, error) {
	switch s {
	case string(SBOMCycloneDX):
		return SBOMCycloneDX, nil
	case string(SBOMSPDX):
		return SBOMSPDX, nil
	case "":
		return SBOMNone, nil
	default:
		return SBOMNone, ocierr.InvalidConfig{Reason: "unrecognized generate_sbom value: " + s}
	}
}

func parseInt64(s string) (int64, bool) {
	var n int64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// DefaultCacheDir returns the user-home cache location used when no
// cache_dir override is supplied.
func DefaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving user home directory")
	}
	return filepath.Join(home, ".cache", "pycontainer-build"), nil
}
