// Package docker provides a narrow capability probe: whether a Docker daemon
// is reachable from this host. It is used only to populate the `docker`
// boolean in the agent's registration capabilities — the agent does not
// orchestrate containers.
//
// Adapted from a teacher package that also listed and inspected volumes for
// a backup engine; that surface has no consumer here and was dropped.
package docker

import (
	"context"
	"errors"
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// ErrUnavailable is returned when the Docker daemon cannot be reached.
var ErrUnavailable = errors.New("docker: daemon unavailable")

// Prober checks whether a Docker daemon is reachable.
type Prober struct {
	client *dockerclient.Client
}

// NewProber creates a Prober connected to the socket at socketPath. Pass the
// empty string to use the Docker SDK's platform default.
func NewProber(socketPath string) (*Prober, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &Prober{client: dc}, nil
}

// Available pings the Docker daemon and reports whether it responded.
func (p *Prober) Available(ctx context.Context) bool {
	if p == nil || p.client == nil {
		return false
	}
	_, err := p.client.Ping(ctx)
	return err == nil
}

// Close releases the underlying client connection.
func (p *Prober) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
