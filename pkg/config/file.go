package config

import (
	"os"

	"github.com/pelletier/go-toml"

	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// LoadFile reads and strictly decodes the project-local TOML config at path.
// Strict decoding means an unrecognized key fails fast as InvalidConfig
// rather than being silently ignored. A missing file is not an error: it
// yields a zero-value FileConfig so the caller falls through to defaults.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fc, nil
	}
	if err != nil {
		return fc, ocierr.IoError{Path: path, Cause: err}
	}

	tree, err := toml.LoadBytes(data)
	if err != nil {
		return fc, ocierr.InvalidConfig{Reason: "parsing " + path + ": " + err.Error()}
	}
	if err := tree.Unmarshal(&fc); err != nil {
		return fc, ocierr.InvalidConfig{Reason: "decoding " + path + ": " + err.Error()}
	}
	if unknown := unknownKeys(tree, recognizedKeys); len(unknown) > 0 {
		return fc, ocierr.InvalidConfig{Reason: "unrecognized config key(s): " + joinComma(unknown)}
	}
	return fc, nil
}

// recognizedKeys enumerates the top-level and [build]/[registry] keys this
// document format understands; anything else fails fast per §9's "Dynamic
// configuration... unknown keys fail fast" note.
var recognizedKeys = map[string]bool{
	"build.tag": true, "build.context_path": true, "build.workdir": true,
	"build.base_image": true, "build.include_deps": true,
	"build.requirements_file": true, "build.entrypoint": true,
	"build.platform": true, "build.push": true, "build.cache_dir": true,
	"build.no_cache": true, "build.reproducible": true,
	"build.generate_sbom": true, "build.verbose": true, "build.dry_run": true,
	"build.env": true, "build.labels": true,
	"registry.registry": true, "registry.username": true,
	"registry.password": true, "registry.token": true,
}

func unknownKeys(tree *toml.Tree, recognized map[string]bool) []string {
	var unknown []string
	for _, section := range []string{"build", "registry"} {
		sub, ok := tree.Get(section).(*toml.Tree)
		if !ok {
			continue
		}
		for _, k := range sub.Keys() {
			full := section + "." + k
			if !recognized[full] {
				unknown = append(unknown, full)
			}
		}
	}
	for _, k := range tree.Keys() {
		if k != "build" && k != "registry" {
			unknown = append(unknown, k)
		}
	}
	return unknown
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
