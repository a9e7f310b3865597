package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// NewClient creates a Docker client and validates daemon is accessible.
// Returns an error if the Docker daemon is not running or not accessible.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

The local dev stack runs Redis in Docker. Either start Docker or point
demandhub at an existing Redis with REDIS_URL.`, err)
	}

	return cli, nil
}
