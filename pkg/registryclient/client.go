// Package registryclient wraps go-containerregistry's remote transport with
// the project's auth provider chain and typed errors, exposing the handful
// of registry operations the build pipeline needs: resolving a base image
// (§4.10) and pushing a finished OCI layout (§4.8).
package registryclient

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/spboyer/pycontainer-build/pkg/auth"
	"github.com/spboyer/pycontainer-build/pkg/ocierr"
)

// Client performs registry operations against a single auth chain.
type Client struct {
	Chain    auth.Chain
	Insecure bool
}

func New(chain auth.Chain, insecure bool) *Client {
	return &Client{Chain: chain, Insecure: insecure}
}

func (c *Client) parseRef(image string) (name.Reference, error) {
	var opts []name.Option
	if c.Insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(image, opts...)
	if err != nil {
		return nil, ocierr.InvalidConfig{Reason: "invalid image reference " + image + ": " + err.Error()}
	}
	return ref, nil
}

func (c *Client) options(ctx context.Context, updates chan v1.Update) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(c.Chain),
	}
	if updates != nil {
		opts = append(opts, remote.WithProgress(updates))
	}
	if c.Insecure {
		t := remote.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		opts = append(opts, remote.WithTransport(t))
	}
	return opts
}
