package instance

import (
	"context"
	"fmt"
	"net"
	"strconv"

	dockerpkg "github.com/dyluth/demandhub/internal/docker"
)

const (
	// Port range for Redis containers (allows 100 concurrent instances)
	startPort = 6379
	endPort   = 6478
)

// FindNextAvailablePort returns the first port in 6379-6478 that no
// demandhub Redis container claims and that can be bound on the host.
func FindNextAvailablePort(ctx context.Context, cli ContainerLister) (int, error) {
	return findPort(ctx, cli, isPortBindable)
}

func findPort(ctx context.Context, cli ContainerLister, bindable func(int) bool) (int, error) {
	containers, err := listContainers(ctx, cli,
		dockerpkg.LabelProject+"=true",
		dockerpkg.LabelComponent+"="+dockerpkg.ComponentRedis,
	)
	if err != nil {
		return 0, err
	}

	usedPorts := make(map[int]bool)
	for _, c := range containers {
		if port, err := strconv.Atoi(c.Labels[dockerpkg.LabelRedisPort]); err == nil {
			usedPorts[port] = true
		}
	}

	for port := startPort; port <= endPort; port++ {
		if !usedPorts[port] && bindable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available Redis ports (range %d-%d exhausted)", startPort, endPort)
}

func isPortBindable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
