package instance

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockerpkg "github.com/dyluth/demandhub/internal/docker"
)

const redisContainerPort = nat.Port("6379/tcp")

// StartRedis creates and starts the Redis container of an instance on a
// freshly allocated host port and returns that port. On failure anything
// already created is removed.
func StartRedis(ctx context.Context, cli *client.Client, instanceName, image string) (int, error) {
	port, err := FindNextAvailablePort(ctx, cli)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate Redis port: %w", err)
	}

	labels := dockerpkg.BuildLabels(instanceName, dockerpkg.GenerateRunID(), dockerpkg.ComponentRedis)
	labels[dockerpkg.LabelRedisPort] = strconv.Itoa(port)

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Labels:       labels,
		ExposedPorts: nat.PortSet{redisContainerPort: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			redisContainerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}},
		},
	}, nil, nil, dockerpkg.RedisContainerName(instanceName))
	if err != nil {
		return 0, fmt.Errorf("failed to create Redis container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Printf("[Instance] Rollback of %s failed: %v", resp.ID, rmErr)
		}
		return 0, fmt.Errorf("failed to start Redis container: %w", err)
	}

	return port, nil
}

// Remove stops and removes every container of an instance and returns the
// names removed. Stop failures are logged; remove failures abort.
func Remove(ctx context.Context, cli *client.Client, instanceName string) ([]string, error) {
	containers, err := listContainers(ctx, cli, dockerpkg.LabelInstanceName+"="+instanceName)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("instance '%s' not found", instanceName)
	}

	timeout := 10
	removed := make([]string, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}

		if err := cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			log.Printf("[Instance] Failed to stop %s: %v", name, err)
		}
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	return removed, nil
}
