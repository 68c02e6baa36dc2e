// Package ocierr defines the typed error kinds surfaced by the build
// pipeline, so that callers can discriminate failures with errors.As
// rather than string matching.
package ocierr

import "fmt"

// InvalidConfig indicates an unknown option, a contradictory combination of
// options, or an unreadable/unparsable config file.
type InvalidConfig struct {
	Reason string
}

func (e InvalidConfig) Error() string { return fmt.Sprintf("invalid config: %s", e.Reason) }

// ProjectNotFound indicates the context path is missing or not a directory.
type ProjectNotFound struct {
	Path string
}

func (e ProjectNotFound) Error() string { return fmt.Sprintf("project not found at %s", e.Path) }

// ProjectMetadataMissing indicates the project manifest could not be parsed.
type ProjectMetadataMissing struct {
	Path   string
	Reason string
}

func (e ProjectMetadataMissing) Error() string {
	return fmt.Sprintf("project metadata missing or unparsable at %s: %s", e.Path, e.Reason)
}

// NoEntryPoint indicates no entry point could be determined.
type NoEntryPoint struct{}

func (e NoEntryPoint) Error() string { return "no entry point determinable for project" }

// IoError wraps a filesystem failure with the path it occurred on.
type IoError struct {
	Path  string
	Cause error
}

func (e IoError) Error() string { return fmt.Sprintf("io error at %s: %v", e.Path, e.Cause) }
func (e IoError) Unwrap() error { return e.Cause }

// UnsafePath indicates an archive escape attempt (an absolute symlink, or a
// symlink/path that resolves outside the archive root).
type UnsafePath struct {
	Path string
}

func (e UnsafePath) Error() string { return fmt.Sprintf("unsafe path: %s", e.Path) }

// DuplicateEntry indicates the deterministic tar writer was asked to write
// the same archive path twice.
type DuplicateEntry struct {
	Path string
}

func (e DuplicateEntry) Error() string { return fmt.Sprintf("duplicate archive entry: %s", e.Path) }

// RegistryHTTPError indicates a non-retriable HTTP failure, or a retriable
// one after retries were exhausted.
type RegistryHTTPError struct {
	Status   int
	Endpoint string
}

func (e RegistryHTTPError) Error() string {
	return fmt.Sprintf("registry returned %d for %s", e.Status, e.Endpoint)
}

// AuthFailure indicates the auth provider chain was exhausted without
// producing usable credentials for the given host.
type AuthFailure struct {
	Host string
}

func (e AuthFailure) Error() string { return fmt.Sprintf("authentication failed for %s", e.Host) }

// DigestMismatch indicates an integrity violation: always fatal.
type DigestMismatch struct {
	Expected string
	Actual   string
}

func (e DigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// NoMatchingPlatform indicates an image index lookup failed to find the
// requested platform.
type NoMatchingPlatform struct {
	Wanted  string
	Offered []string
}

func (e NoMatchingPlatform) Error() string {
	return fmt.Sprintf("no manifest matching platform %s (offered: %v)", e.Wanted, e.Offered)
}

// PlatformMismatch indicates the requested build platform conflicts with
// the platform of the resolved base image.
type PlatformMismatch struct {
	Wanted  string
	BaseHas string
}

func (e PlatformMismatch) Error() string {
	return fmt.Sprintf("platform mismatch: wanted %s, base image is %s", e.Wanted, e.BaseHas)
}

// PushFailed indicates a terminal push error.
type PushFailed struct {
	Reason string
}

func (e PushFailed) Error() string { return fmt.Sprintf("push failed: %s", e.Reason) }

// SBOMGenerationFailed is non-fatal: the orchestrator reports it as a
// warning and the build otherwise succeeds.
type SBOMGenerationFailed struct {
	Reason string
}

func (e SBOMGenerationFailed) Error() string {
	return fmt.Sprintf("sbom generation failed: %s", e.Reason)
}
