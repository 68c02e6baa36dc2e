// Package auth implements the registry credential provider chain: a fixed,
// ordered set of providers evaluated per host, the first non-absent result
// winning. It adapts to go-containerregistry's authn.Keychain so the result
// plugs directly into remote.WithAuthFromKeychain.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/spboyer/pycontainer-build/pkg/config"
)

// Provider resolves credentials for host, returning ok=false if it has
// nothing to offer (an absent result, not a failure).
type Provider interface {
	Resolve(host string) (authn.Authenticator, bool)
}

// Chain evaluates its Providers in order and returns the first non-absent
// result. It implements authn.Keychain so it can be passed directly to
// remote.WithAuthFromKeychain.
type Chain struct {
	Providers []Provider
}

// DefaultChain builds the four-tier chain described in §4.9: explicit
// build-plan credentials, well-known environment variables, the platform
// credentials file, and (for matching hosts) a cloud CLI token provider.
func DefaultChain(plan config.BuildPlan) Chain {
	return Chain{Providers: []Provider{
		ExplicitProvider{Registry: plan.Registry, Username: plan.RegistryUsername, Password: plan.RegistryPassword, Token: plan.RegistryToken},
		EnvironmentProvider{},
		CredentialsFileProvider{Path: defaultCredentialsFilePath()},
		CloudCLIProvider{Suffixes: defaultCloudCLISuffixes, Timeout: 15 * time.Second},
	}}
}

// Resolve satisfies authn.Keychain. A resource with no matching provider
// resolves to Anonymous rather than an error: absence of credentials is
// only fatal once the registry itself rejects an unauthenticated request.
func (c Chain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	host := target.RegistryStr()
	for _, p := range c.Providers {
		if a, ok := p.Resolve(host); ok {
			return a, nil
		}
	}
	return authn.Anonymous, nil
}

// ExplicitProvider returns credentials supplied directly in the build plan,
// scoped to the single registry host the plan names.
type ExplicitProvider struct {
	Registry string
	Username string
	Password string
	Token    string
}

func (e ExplicitProvider) Resolve(host string) (authn.Authenticator, bool) {
	if e.Registry == "" || !hostMatches(host, e.Registry) {
		return nil, false
	}
	if e.Token != "" {
		return &authn.Bearer{Token: e.Token}, true
	}
	if e.Username != "" {
		return &authn.Basic{Username: e.Username, Password: e.Password}, true
	}
	return nil, false
}

// EnvironmentProvider checks well-known environment variables: a
// host-specific variable for a widely used code-host registry, a generic
// bearer token variable, and a generic username/password pair.
type EnvironmentProvider struct{}

// hostEnvVars maps a registry host suffix to the environment variable that
// conventionally carries its token, mirroring how CI systems for that host
// inject credentials.
var hostEnvVars = map[string]string{
	"ghcr.io": "GITHUB_TOKEN",
}

func (EnvironmentProvider) Resolve(host string) (authn.Authenticator, bool) {
	for suffix, envVar := range hostEnvVars {
		if strings.HasSuffix(host, suffix) {
			if tok := os.Getenv(envVar); tok != "" {
				return &authn.Bearer{Token: tok}, true
			}
		}
	}
	if tok := os.Getenv("REGISTRY_TOKEN"); tok != "" {
		return &authn.Bearer{Token: tok}, true
	}
	user, pass := os.Getenv("REGISTRY_USERNAME"), os.Getenv("REGISTRY_PASSWORD")
	if user != "" {
		return &authn.Basic{Username: user, Password: pass}, true
	}
	return nil, false
}

// CredentialsFileProvider reads a docker-config-shaped JSON file and looks
// up auths.<key> by exact host match, scheme-prefixed match, then substring
// match, decoding the base64 "user:secret" auth field.
type CredentialsFileProvider struct {
	Path string
}

type credentialsFile struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

func defaultCredentialsFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docker", "config.json")
}

func (c CredentialsFileProvider) Resolve(host string) (authn.Authenticator, bool) {
	if c.Path == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, false
	}
	var cf credentialsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, false
	}

	candidates := []string{host, "https://" + host, "http://" + host}
	for _, key := range candidates {
		if entry, ok := cf.Auths[key]; ok {
			if a, ok := decodeBasicAuth(entry.Auth); ok {
				return a, true
			}
		}
	}
	for key, entry := range cf.Auths {
		if strings.Contains(key, host) {
			if a, ok := decodeBasicAuth(entry.Auth); ok {
				return a, true
			}
		}
	}
	return nil, false
}

func decodeBasicAuth(encoded string) (authn.Authenticator, bool) {
	if encoded == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	user, secret, found := strings.Cut(string(raw), ":")
	if !found {
		return nil, false
	}
	return &authn.Basic{Username: user, Password: secret}, true
}

func hostMatches(host, registry string) bool {
	return host == registry || strings.TrimPrefix(registry, "https://") == host || strings.TrimPrefix(registry, "http://") == host
}

// CloudCLIProvider shells out to a cloud CLI to mint a short-lived access
// token, for hosts matching one of Suffixes. Invocation failures are
// non-fatal: the chain simply continues to the next provider.
type CloudCLIProvider struct {
	Suffixes map[string]cloudCLICommand
	Timeout  time.Duration
}

type cloudCLICommand struct {
	name string
	args []string
}

// defaultCloudCLISuffixes covers the major cloud container registries whose
// CLIs expose a "print an access token" subcommand.
var defaultCloudCLISuffixes = map[string]cloudCLICommand{
	"gcr.io":        {name: "gcloud", args: []string{"auth", "print-access-token"}},
	"pkg.dev":       {name: "gcloud", args: []string{"auth", "print-access-token"}},
	"azurecr.io":    {name: "az", args: []string{"acr", "login", "--expose-token", "--output", "tsv", "--query", "accessToken"}},
	"amazonaws.com": {name: "aws", args: []string{"ecr", "get-login-password"}},
}

func (c CloudCLIProvider) Resolve(host string) (authn.Authenticator, bool) {
	var cmd cloudCLICommand
	var matched bool
	for suffix, candidate := range c.Suffixes {
		if strings.HasSuffix(host, suffix) {
			cmd, matched = candidate, true
			break
		}
	}
	if !matched {
		return nil, false
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, cmd.name, cmd.args...).Output()
	if err != nil {
		return nil, false
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return nil, false
	}
	return &authn.Bearer{Token: token}, true
}
