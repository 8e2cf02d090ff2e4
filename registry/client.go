// Package registry implements otaflux.Gateway against a real OCI
// distribution-spec registry using go-containerregistry, with optional
// cosign-style signature verification and tar/gzip/zstd firmware
// extraction for artifacts that bundle more than the raw binary.
package registry

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/sharedcode/otaflux"
)

// Config describes how to reach and authenticate against the registry.
type Config struct {
	// RegistryURL is the registry host, e.g. "registry.example.com".
	RegistryURL string
	// RepositoryPrefix is prepended to the device ID to form the
	// repository name; a trailing slash is stripped.
	RepositoryPrefix string
	Username         string
	Password         string
	// Insecure allows plain HTTP against RegistryURL, for local/dev registries.
	Insecure bool
	// Verifier, when non-nil, checks the extracted firmware bytes against
	// an embedded cosign-style signature before it is returned to callers.
	Verifier *Verifier
}

// Client is the concrete otaflux.Gateway backed by go-containerregistry.
type Client struct {
	cfg  Config
	auth authn.Authenticator
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RegistryURL == "" {
		return nil, otaflux.NewError(otaflux.ConfigError, fmt.Errorf("registry_url must be set"))
	}
	cfg.RepositoryPrefix = strings.TrimSuffix(cfg.RepositoryPrefix, "/")

	var auth authn.Authenticator = authn.Anonymous
	if cfg.Username != "" {
		auth = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}
	return &Client{cfg: cfg, auth: auth}, nil
}

var _ otaflux.Gateway = (*Client)(nil)

func (c *Client) nameOptions() []name.Option {
	if c.cfg.Insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (c *Client) repository(deviceId string) (name.Repository, error) {
	full := c.cfg.RegistryURL + "/" + c.cfg.RepositoryPrefix + "/" + deviceId
	return name.NewRepository(full, c.nameOptions()...)
}

func (c *Client) tagRef(deviceId, tag string) (name.Tag, error) {
	full := c.cfg.RegistryURL + "/" + c.cfg.RepositoryPrefix + "/" + deviceId + ":" + tag
	return name.NewTag(full, c.nameOptions()...)
}

func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{remote.WithContext(ctx), remote.WithAuth(c.auth)}
}

// ListTags returns every tag published for deviceId's repository.
func (c *Client) ListTags(ctx context.Context, deviceId string) ([]string, error) {
	var tags []string
	err := otaflux.Retry(ctx, func(ctx context.Context) error {
		repo, err := c.repository(deviceId)
		if err != nil {
			return err
		}
		t, err := remote.List(repo, c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		tags = t
		return nil
	}, nil)
	return tags, err
}

// FetchManifestDigest returns tag's current manifest digest without
// downloading any layer.
func (c *Client) FetchManifestDigest(ctx context.Context, deviceId, tag string) (string, error) {
	var digest string
	err := otaflux.Retry(ctx, func(ctx context.Context) error {
		ref, err := c.tagRef(deviceId, tag)
		if err != nil {
			return err
		}
		desc, err := remote.Head(ref, c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		digest = desc.Digest.String()
		return nil
	}, nil)
	return digest, err
}

// FetchBlob downloads tag's artifact, selecting the first platform
// descriptor when the manifest is a multi-arch index, extracts the
// firmware payload, optionally verifies its signature, and returns it
// alongside the manifest digest observed at fetch time.
func (c *Client) FetchBlob(ctx context.Context, deviceId, tag string) ([]byte, string, error) {
	var digest string
	var payload []byte
	err := otaflux.Retry(ctx, func(ctx context.Context) error {
		ref, err := c.tagRef(deviceId, tag)
		if err != nil {
			return err
		}
		desc, err := remote.Get(ref, c.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		digest = desc.Digest.String()

		img, err := firstImage(desc)
		if err != nil {
			return err
		}
		raw, err := readFirstLayer(img)
		if err != nil {
			return err
		}
		extracted, err := ExtractFirmware(raw)
		if err != nil {
			return err
		}
		if c.cfg.Verifier != nil {
			if err := c.cfg.Verifier.Verify(ctx, desc, extracted); err != nil {
				return otaflux.NewError(otaflux.UpstreamError, fmt.Errorf("signature verification failed for %s@%s: %w", deviceId, tag, err))
			}
		}
		payload = extracted
		return nil
	}, nil)
	return payload, digest, err
}

// firstImage resolves desc to a v1.Image, selecting the first manifest
// entry when desc is a multi-arch index.
func firstImage(desc *remote.Descriptor) (v1.Image, error) {
	img, err := desc.Image()
	if err == nil {
		return img, nil
	}
	idx, idxErr := desc.ImageIndex()
	if idxErr != nil {
		return nil, fmt.Errorf("artifact is neither a single-arch image nor an index: %w", err)
	}
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("reading index manifest: %w", err)
	}
	if len(manifest.Manifests) == 0 {
		return nil, fmt.Errorf("multi-arch index has no manifests")
	}
	return idx.Image(manifest.Manifests[0].Digest)
}

func readFirstLayer(img v1.Image) ([]byte, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("listing image layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("artifact has no layers")
	}
	rc, err := layers[0].Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("opening layer: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
