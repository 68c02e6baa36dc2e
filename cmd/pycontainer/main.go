// Command pycontainer builds a daemonless OCI image for a Python project
// and optionally pushes it to a registry, per §6's CLI option table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	progress "github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/spboyer/pycontainer-build/pkg/auth"
	"github.com/spboyer/pycontainer-build/pkg/config"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
	"github.com/spboyer/pycontainer-build/pkg/orchestrator"
	"github.com/spboyer/pycontainer-build/pkg/registryclient"
)

var log = logrus.New()

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := newBuildCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a typed ocierr kind to a process exit status; the embedder
// (this CLI) owns that mapping per §6's "Exit conditions" note.
func exitCode(err error) int {
	switch err.(type) {
	case ocierr.InvalidConfig:
		return 2
	case ocierr.ProjectNotFound, ocierr.ProjectMetadataMissing, ocierr.NoEntryPoint:
		return 3
	case ocierr.AuthFailure, ocierr.RegistryHTTPError, ocierr.PushFailed, ocierr.NoMatchingPlatform, ocierr.PlatformMismatch:
		return 4
	case ocierr.DigestMismatch:
		return 5
	default:
		return 1
	}
}

type flagSet struct {
	tag              string
	contextPath      string
	workdir          string
	baseImage        string
	includeDeps      bool
	requirementsFile string
	entrypoint       []string
	platform         string
	push             bool
	registry         string
	registryUsername string
	registryPassword string
	registryToken    string
	cacheDir         string
	noCache          bool
	reproducible     bool
	generateSBOM     string
	verbose          bool
	dryRun           bool
	insecure         bool
	env              map[string]string
	labels           map[string]string
}

func newBuildCmd() *cobra.Command {
	var f flagSet

	cmd := &cobra.Command{
		Use:   "pycontainer",
		Short: "Build a daemonless OCI image for a Python project",
		Long: `pycontainer builds an OCI image layout directly from a Python project
directory, without a running container daemon, and optionally pushes it to
a registry.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd.Context(), cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.tag, "tag", "", "output tag and push reference (required)")
	flags.StringVar(&f.contextPath, "context-path", ".", "root directory for discovery and packaging")
	flags.StringVar(&f.workdir, "workdir", "", "archive prefix inside the image")
	flags.StringVar(&f.baseImage, "base-image", "", "explicit base image reference; absent auto-derives from the declared interpreter range")
	flags.BoolVar(&f.includeDeps, "include-deps", false, "emit a dependency layer")
	flags.StringVar(&f.requirementsFile, "requirements-file", "", "path to the requirements file, relative to the context")
	flags.StringArrayVar(&f.entrypoint, "entrypoint", nil, "overrides all other entry point sources")
	flags.StringVar(&f.platform, "platform", "", "\"<os>/<arch>[/<variant>]\", default linux/amd64")
	flags.BoolVar(&f.push, "push", false, "push the image after writing the layout")
	flags.StringVar(&f.registry, "registry", "", "override for the push authority")
	flags.StringVar(&f.registryUsername, "registry-username", "", "registry basic-auth username")
	flags.StringVar(&f.registryPassword, "registry-password", "", "registry basic-auth password")
	flags.StringVar(&f.registryToken, "registry-token", "", "registry bearer token")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "content-addressed cache directory, default user-home cache location")
	flags.BoolVar(&f.noCache, "no-cache", false, "bypass reuse of cached entries; results are still written to the cache")
	flags.BoolVar(&f.reproducible, "reproducible", true, "strip non-deterministic metadata from the build")
	flags.StringVar(&f.generateSBOM, "generate-sbom", "", "\"cyclonedx\", \"spdx\", or absent")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "print verbose build logs")
	flags.BoolVar(&f.dryRun, "dry-run", false, "log the resolved build plan and exit without building")
	flags.BoolVar(&f.insecure, "insecure", false, "allow plain-HTTP / self-signed registry connections")
	flags.StringToStringVar(&f.env, "env", nil, "environment variable to set, in NAME=VALUE form; repeatable")
	flags.StringToStringVar(&f.labels, "labels", nil, "OCI label to set, in NAME=VALUE form; repeatable")

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, f flagSet) error {
	if f.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cliOverrides := toCLIOverrides(cmd, f)

	fileConfig, err := config.LoadFile(configFilePath(f.contextPath))
	if err != nil {
		return err
	}

	defaultCacheDir, err := config.DefaultCacheDir()
	if err != nil {
		return ocierr.IoError{Path: "$HOME/.cache", Cause: err}
	}

	plan, err := config.Merge(cliOverrides, fileConfig, defaultCacheDir)
	if err != nil {
		return err
	}

	chain := auth.DefaultChain(plan)
	client := registryclient.New(chain, f.insecure)
	o := orchestrator.New(client)
	o.Stderr = os.Stderr

	updates := make(chan v1.Update, 10)
	done := make(chan struct{})
	if plan.Push {
		go renderProgress(ctx, updates, done)
	} else {
		close(done)
	}
	o.ProgressUpdates = updates

	result, err := o.Build(ctx, plan)
	close(updates)
	<-done
	if err != nil {
		return err
	}

	log.Infof("build job %s: wrote image layout to %s", result.BuildJobID, result.LayoutPath)
	if result.SBOMPath != "" {
		log.Infof("wrote sbom to %s", result.SBOMPath)
	}
	if result.PushedRef != "" {
		log.Infof("pushed %s", result.PushedRef)
	}
	return nil
}

// renderProgress draws a single progress bar across however many blob
// uploads occur during a push, in the teacher's handleUpdates idiom.
func renderProgress(ctx context.Context, updates chan v1.Update, done chan struct{}) {
	defer close(done)
	var bar *progress.ProgressBar
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				if bar != nil {
					_ = bar.Finish()
				}
				return
			}
			if bar == nil {
				bar = progress.NewOptions64(update.Total,
					progress.OptionSetVisibility(term.IsTerminal(int(os.Stdout.Fd()))),
					progress.OptionSetDescription("pushing"),
					progress.OptionShowCount(),
					progress.OptionShowBytes(true),
					progress.OptionShowElapsedTimeOnFinish())
			}
			_ = bar.Set64(update.Complete)
		case <-ctx.Done():
			if bar != nil {
				_ = bar.Finish()
			}
			return
		}
	}
}

func configFilePath(contextPath string) string {
	return filepath.Join(contextPath, "pycontainer.toml")
}

func toCLIOverrides(cmd *cobra.Command, f flagSet) config.CLIOverrides {
	var out config.CLIOverrides
	changed := cmd.Flags().Changed

	if changed("tag") {
		out.Tag = &f.tag
	}
	if changed("context-path") {
		out.ContextPath = &f.contextPath
	}
	if changed("workdir") {
		out.Workdir = &f.workdir
	}
	if changed("base-image") {
		out.BaseImage = &f.baseImage
	}
	if changed("include-deps") {
		out.IncludeDeps = &f.includeDeps
	}
	if changed("requirements-file") {
		out.RequirementsFile = &f.requirementsFile
	}
	if changed("entrypoint") {
		out.Entrypoint = f.entrypoint
	}
	if changed("platform") {
		out.Platform = &f.platform
	}
	if changed("push") {
		out.Push = &f.push
	}
	if changed("registry") {
		out.Registry = &f.registry
	}
	if changed("registry-username") {
		out.RegistryUsername = &f.registryUsername
	}
	if changed("registry-password") {
		out.RegistryPassword = &f.registryPassword
	}
	if changed("registry-token") {
		out.RegistryToken = &f.registryToken
	}
	if changed("cache-dir") {
		out.CacheDir = &f.cacheDir
	}
	if changed("no-cache") {
		out.NoCache = &f.noCache
	}
	if changed("reproducible") {
		out.Reproducible = &f.reproducible
	}
	if changed("generate-sbom") {
		out.GenerateSBOM = &f.generateSBOM
	}
	if changed("verbose") {
		out.Verbose = &f.verbose
	}
	if changed("dry-run") {
		out.DryRun = &f.dryRun
	}
	if changed("env") {
		out.Env = f.env
	}
	if changed("labels") {
		out.Labels = f.labels
	}
	return out
}
