// Package imagebuild merges configuration, builds layers, and writes the
// resulting OCI image layout, generalizing the config/manifest/index
// construction of the reference host builder to this project's three-layer
// (base/dependencies/application) model.
package imagebuild

import (
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/spboyer/pycontainer-build/pkg/config"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
	"github.com/spboyer/pycontainer-build/pkg/project"
)

const defaultWorkingDir = "/app"

// EntrypointSources carries the three non-base entrypoint candidates in
// descending precedence, per §4.5: user explicit > framework default >
// project script.
type EntrypointSources struct {
	UserExplicit     []string
	FrameworkDefault []string
	ProjectScript    []string
}

// MergeInputs bundles everything the config merger needs.
type MergeInputs struct {
	Base         *v1.ConfigFile // nil if no base image
	Plan         config.BuildPlan
	Meta         project.ProjectMetadata
	Entrypoint   EntrypointSources
	Platform     v1.Platform
	BasePlatform v1.Platform // zero value if Base == nil
	LayerDiffIDs []v1.Hash   // base ++ dependencies? ++ application?, already ordered
	Created      time.Time
}

// Merge produces the final v1.ConfigFile per §4.5's rules.
func Merge(in MergeInputs) (v1.ConfigFile, error) {
	if in.Base != nil {
		if in.Platform.OS != "" && in.BasePlatform.OS != "" {
			if in.Platform.OS != in.BasePlatform.OS || in.Platform.Architecture != in.BasePlatform.Architecture {
				return v1.ConfigFile{}, ocierr.PlatformMismatch{
					Wanted:  in.Platform.OS + "/" + in.Platform.Architecture,
					BaseHas: in.BasePlatform.OS + "/" + in.BasePlatform.Architecture,
				}
			}
		}
	}

	cfg := v1.ConfigFile{
		Created:      v1.Time{Time: in.Created},
		OS:           in.Platform.OS,
		Architecture: in.Platform.Architecture,
		Variant:      in.Platform.Variant,
		RootFS: v1.RootFS{
			Type:    "layers",
			DiffIDs: in.LayerDiffIDs,
		},
	}

	cfg.Config.Env = mergeEnv(in.Base, in.Plan.Env)
	cfg.Config.WorkingDir = firstNonEmpty(in.Plan.WorkDir, baseWorkingDir(in.Base), defaultWorkingDir)
	cfg.Config.User = firstNonEmpty("", baseUser(in.Base), "")
	cfg.Config.Labels = mergeLabels(in.Base, in.Plan.Labels)

	entrypoint := resolveEntrypoint(in.Entrypoint)
	cfg.Config.Entrypoint = entrypoint
	if entrypoint == nil && in.Base != nil {
		cfg.Config.Entrypoint = in.Base.Config.Entrypoint
		cfg.Config.Cmd = in.Base.Config.Cmd
	}

	return cfg, nil
}

// mergeEnv returns the union of base and user env, user values winning on
// conflicting keys. Keys keep base's first-occurrence order; keys set only
// by the user follow in lexicographic order, since userEnv is a map and
// carries no insertion order.
func mergeEnv(base *v1.ConfigFile, userEnv map[string]string) []string {
	var order []string
	values := map[string]string{}

	addKV := func(kv string) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			k, v = kv, ""
		}
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = v
	}

	if base != nil {
		for _, kv := range base.Config.Env {
			addKV(kv)
		}
	}

	userKeys := make([]string, 0, len(userEnv))
	for k := range userEnv {
		userKeys = append(userKeys, k)
	}
	sort.Strings(userKeys)
	for _, k := range userKeys {
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = userEnv[k]
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+values[k])
	}
	return out
}

func mergeLabels(base *v1.ConfigFile, userLabels map[string]string) map[string]string {
	out := map[string]string{}
	if base != nil {
		for k, v := range base.Config.Labels {
			out[k] = v
		}
	}
	for k, v := range userLabels {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func baseWorkingDir(base *v1.ConfigFile) string {
	if base == nil {
		return ""
	}
	return base.Config.WorkingDir
}

func baseUser(base *v1.ConfigFile) string {
	if base == nil {
		return ""
	}
	return base.Config.User
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveEntrypoint implements "user explicit > framework default > project
// script" and returns nil when none of the three is set; Merge then carries
// over the base image's own entrypoint and cmd as the last tier.
func resolveEntrypoint(src EntrypointSources) []string {
	if len(src.UserExplicit) > 0 {
		return src.UserExplicit
	}
	if len(src.FrameworkDefault) > 0 {
		return src.FrameworkDefault
	}
	if len(src.ProjectScript) > 0 {
		return src.ProjectScript
	}
	return nil
}
