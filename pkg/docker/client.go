// Package docker talks to the Docker Engine API for image build, tag, push
// and cleanup.
package docker

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
)

// Engine is the builder/registry surface the pipeline uses.
type Engine interface {
	Build(ctx context.Context, req BuildRequest, onOutput OutputCallback) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error
}

// Client wraps the Docker SDK client.
type Client struct {
	inner        *client.Client
	registryAuth string
}

var _ Engine = (*Client)(nil)

// New creates a client from environment defaults; host overrides DOCKER_HOST.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &Client{inner: inner}, nil
}

// WithRegistryAuth sets the credentials sent with every push. Empty username
// and password leave pushes anonymous.
func (c *Client) WithRegistryAuth(username, password, server string) error {
	if username == "" && password == "" {
		c.registryAuth = ""
		return nil
	}
	enc, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: server,
	})
	if err != nil {
		return errors.Wrap(err, "encode registry auth")
	}
	c.registryAuth = enc
	return nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return errors.Wrap(err, "docker ping")
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping returned empty API version")
	}
	return nil
}

func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
