// Package orchestrator is the serial backbone described in §4.11: it drives
// introspection, base resolution, layer construction, config/manifest
// synthesis, layout writing, optional SBOM emission, and optional push in
// order, generalizing the teacher's Builder.Build sequencing.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/config"
	"github.com/spboyer/pycontainer-build/pkg/imagebuild"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
	"github.com/spboyer/pycontainer-build/pkg/project"
	"github.com/spboyer/pycontainer-build/pkg/registryclient"
	"github.com/spboyer/pycontainer-build/pkg/sbom"
)

// Result is the success record reported to the embedder on completion.
type Result struct {
	LayoutPath string
	PushedRef  string
	SBOMPath   string

	// BuildJobID identifies this particular invocation for log correlation;
	// it never flows into the image config, manifest, or SBOM, so it has no
	// effect on a build's reproducibility.
	BuildJobID string
}

// Orchestrator runs a single build from a validated BuildPlan.
type Orchestrator struct {
	Registry *registryclient.Client
	Stderr   *os.File

	// ProgressUpdates, if non-nil, receives blob-upload progress during a
	// push, per the teacher's Pusher.updates channel.
	ProgressUpdates chan v1.Update
}

func New(registryClient *registryclient.Client) *Orchestrator {
	return &Orchestrator{Registry: registryClient, Stderr: os.Stderr}
}

func (o *Orchestrator) logf(plan config.BuildPlan, format string, args ...any) {
	if plan.Verbose {
		fmt.Fprintf(o.Stderr, format+"\n", args...)
	}
}

// Build executes the pipeline for plan and returns the layout path plus any
// optional push/SBOM outputs.
func (o *Orchestrator) Build(ctx context.Context, plan config.BuildPlan) (Result, error) {
	jobID := uuid.New().String()
	o.logf(plan, "build job %s: starting for context %s", jobID, plan.ContextPath)

	meta, err := project.Introspect(plan.ContextPath, plan.RequirementsFile)
	if err != nil {
		return Result{}, err
	}
	o.logf(plan, "build job %s: introspected project %q (framework=%s, dependencies source=%s)", jobID, meta.Name, meta.Framework, meta.DependenciesSource.Kind)

	baseImage := plan.BaseImage
	if baseImage == "" {
		baseImage = defaultBaseImage(meta)
	}
	interpreter := "python3"

	layoutDir := filepath.Join(plan.CacheDir, "builds", sanitizeTag(plan.Tag))

	if plan.DryRun {
		o.logf(plan, "dry run: tag=%s context=%s base=%s platform=%s push=%v sbom=%s layout=%s",
			plan.Tag, plan.ContextPath, baseImage, plan.Platform.String(), plan.Push, plan.GenerateSBOM, layoutDir)
		return Result{BuildJobID: jobID}, nil
	}

	// no_cache=true bypasses reuse of cached entries but still writes
	// results through to the persistent store, preserving the
	// content-addressed invariant (§9): the store itself always opens
	// against plan.CacheDir, and the bypass is threaded into the
	// cache-hit-check call sites instead (see ResolveBase's forceRefresh).
	store, err := cache.Open(plan.CacheDir)
	if err != nil {
		return Result{}, err
	}

	created := time.Unix(0, 0).UTC()
	if plan.SourceDateEpoch > 0 {
		created = time.Unix(plan.SourceDateEpoch, 0).UTC()
	}

	targetPlatform := v1.Platform{OS: plan.Platform.OS, Architecture: plan.Platform.Arch, Variant: plan.Platform.Variant}

	base, err := o.Registry.ResolveBase(ctx, baseImage, targetPlatform, store, plan.NoCache)
	if err != nil {
		return Result{}, err
	}
	var basePtr *v1.ConfigFile
	if baseImage != "" {
		cfg := base.Config
		basePtr = &cfg
	}

	layerDiffIDs := append([]v1.Hash{}, base.DiffIDs...)
	var layerDescs []v1.Descriptor
	layerDescs = append(layerDescs, base.Layers...)

	if plan.IncludeDeps {
		depsLayer, ok, err := imagebuild.BuildDependenciesLayer(store, meta, plan.WorkDir, interpreterTag(meta), plan.Reproducible, plan.SourceDateEpoch)
		if err != nil {
			return Result{}, err
		}
		if ok {
			o.logf(plan, "built dependencies layer %s", depsLayer.Descriptor.Digest)
			layerDiffIDs = append(layerDiffIDs, depsLayer.DiffID)
			layerDescs = append(layerDescs, depsLayer.Descriptor)
		}
	}

	appLayer, err := imagebuild.BuildApplicationLayer(store, meta, plan.WorkDir, plan.Reproducible, plan.SourceDateEpoch, nil)
	if err != nil {
		return Result{}, err
	}
	o.logf(plan, "built application layer %s", appLayer.Descriptor.Digest)
	layerDiffIDs = append(layerDiffIDs, appLayer.DiffID)
	layerDescs = append(layerDescs, appLayer.Descriptor)

	fastAPIModule := ""
	if meta.Framework == project.FrameworkFastAPI {
		fastAPIModule = project.FindFastAPIModule(plan.ContextPath)
	}
	frameworkEntrypoint, _ := project.FrameworkEntrypoint(meta, interpreter, fastAPIModule)
	scriptEntrypoint, _ := project.ScriptEntrypoint(meta, interpreter)

	cfg, err := imagebuild.Merge(imagebuild.MergeInputs{
		Base: basePtr,
		Plan: plan,
		Meta: meta,
		Entrypoint: imagebuild.EntrypointSources{
			UserExplicit:     plan.Entrypoint,
			FrameworkDefault: frameworkEntrypoint,
			ProjectScript:    scriptEntrypoint,
		},
		Platform:     targetPlatform,
		BasePlatform: base.Platform,
		LayerDiffIDs: layerDiffIDs,
		Created:      created,
	})
	if err != nil {
		return Result{}, err
	}

	writer := &imagebuild.LayoutWriter{Dir: layoutDir, Store: store}
	configDesc, err := writer.WriteConfig(cfg)
	if err != nil {
		return Result{}, err
	}
	manifestDesc, err := writer.WriteManifest(targetPlatform, configDesc, layerDescs)
	if err != nil {
		return Result{}, err
	}

	allDigests := make([]v1.Hash, 0, len(layerDescs)+1)
	for _, d := range layerDescs {
		allDigests = append(allDigests, d.Digest)
	}
	allDigests = append(allDigests, configDesc.Digest)

	if err := writer.Materialize(plan.Tag, manifestDesc, allDigests); err != nil {
		return Result{}, err
	}
	o.logf(plan, "build job %s: wrote image layout to %s", jobID, layoutDir)

	result := Result{LayoutPath: layoutDir, BuildJobID: jobID}

	// SBOMGenerationFailed is non-fatal per §7: the build still succeeds, and
	// the failure is only reported as a warning.
	if plan.GenerateSBOM != config.SBOMNone {
		if sbomPath, err := o.writeSBOM(plan, meta, layoutDir, created); err != nil {
			fmt.Fprintf(o.Stderr, "warning: %s\n", ocierr.SBOMGenerationFailed{Reason: err.Error()})
		} else {
			result.SBOMPath = sbomPath
			o.logf(plan, "wrote sbom to %s", sbomPath)
		}
	}

	if plan.Push {
		tag := plan.Tag
		if plan.Registry != "" {
			tag = plan.Registry + "/" + plan.Tag
		}
		digest, err := o.Registry.Push(ctx, layoutDir, tag, o.ProgressUpdates)
		if err != nil {
			return Result{}, err
		}
		result.PushedRef = tag + "@" + digest
		o.logf(plan, "build job %s: pushed %s", jobID, result.PushedRef)
	}

	return result, nil
}

func (o *Orchestrator) writeSBOM(plan config.BuildPlan, meta project.ProjectMetadata, layoutDir string, created time.Time) (string, error) {
	components := sbom.BuildComponents(meta)
	doc, err := sbom.Generate(plan.GenerateSBOM, components, created, meta.Name, meta.License)
	if err != nil {
		return "", err
	}
	sbomPath := filepath.Join(layoutDir, sbom.FileName(plan.GenerateSBOM))
	if err := os.WriteFile(sbomPath, doc, 0o644); err != nil {
		return "", err
	}
	return sbomPath, nil
}

// defaultBaseImage derives a conventional interpreter base image tag from
// the project's declared interpreter range, per §4.11 step 3.
func defaultBaseImage(meta project.ProjectMetadata) string {
	return "python:" + interpreterVersion(meta) + "-slim"
}

func interpreterVersion(meta project.ProjectMetadata) string {
	if meta.DeclaredInterpreterRange == "" {
		return "3.11"
	}
	return meta.DeclaredInterpreterRange
}

func interpreterTag(meta project.ProjectMetadata) string {
	return "python" + interpreterVersion(meta)
}

func sanitizeTag(tag string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(tag)
}
