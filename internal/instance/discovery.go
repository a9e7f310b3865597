package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerpkg "github.com/dyluth/demandhub/internal/docker"
)

var (
	// ErrNoInstances is returned by InferInstance when nothing is running.
	ErrNoInstances = errors.New("no demandhub instances found")

	// ErrMultipleInstances is returned by InferInstance when the choice is ambiguous.
	ErrMultipleInstances = errors.New("multiple instances found, use --name to specify which one")
)

// ContainerLister is the slice of the Docker API discovery needs.
// *client.Client implements it.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// listContainers lists every container, stopped ones included, carrying all
// of the given label selectors ("key=value").
func listContainers(ctx context.Context, cli ContainerLister, labels ...string) ([]types.Container, error) {
	args := filters.NewArgs()
	for _, l := range labels {
		args.Add("label", l)
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

// GetInstanceRedisPort reads the published Redis port from the container label.
func GetInstanceRedisPort(ctx context.Context, cli ContainerLister, instanceName string) (int, error) {
	containers, err := listContainers(ctx, cli,
		dockerpkg.LabelInstanceName+"="+instanceName,
		dockerpkg.LabelComponent+"="+dockerpkg.ComponentRedis,
	)
	if err != nil {
		return 0, err
	}

	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for instance '%s'", instanceName)
	}

	portStr, ok := containers[0].Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for instance '%s'", instanceName)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}

	return port, nil
}

// VerifyInstanceRunning checks that the instance's Redis container is up.
func VerifyInstanceRunning(ctx context.Context, cli ContainerLister, instanceName string) error {
	containers, err := listContainers(ctx, cli, dockerpkg.LabelInstanceName+"="+instanceName)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		return fmt.Errorf("instance '%s' not found", instanceName)
	}

	for _, c := range containers {
		if c.Labels[dockerpkg.LabelComponent] != dockerpkg.ComponentRedis {
			continue
		}
		if c.State != "running" {
			return fmt.Errorf("instance '%s' is not running (component '%s' is %s)", instanceName, dockerpkg.ComponentRedis, c.State)
		}
		return nil
	}

	return fmt.Errorf("instance '%s' is missing essential component '%s'", instanceName, dockerpkg.ComponentRedis)
}

// ListInstances groups demandhub containers by instance, sorted by name.
func ListInstances(ctx context.Context, cli ContainerLister, now time.Time) ([]InstanceInfo, error) {
	containers, err := listContainers(ctx, cli, dockerpkg.LabelProject+"=true")
	if err != nil {
		return nil, err
	}

	byName := make(map[string][]types.Container)
	for _, c := range containers {
		name := c.Labels[dockerpkg.LabelInstanceName]
		byName[name] = append(byName[name], c)
	}

	infos := make([]InstanceInfo, 0, len(byName))
	for name, group := range byName {
		info := InstanceInfo{Name: name, Status: DetermineStatus(group), Uptime: "-"}

		for _, c := range group {
			if c.Labels[dockerpkg.LabelComponent] != dockerpkg.ComponentRedis {
				continue
			}
			info.RedisPort, _ = strconv.Atoi(c.Labels[dockerpkg.LabelRedisPort])
			if c.State == "running" && c.Created > 0 {
				info.Uptime = formatUptime(now.Sub(time.Unix(c.Created, 0)))
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// InferInstance returns the only running instance, for commands run without --name.
func InferInstance(ctx context.Context, cli ContainerLister) (string, error) {
	infos, err := ListInstances(ctx, cli, time.Now())
	if err != nil {
		return "", err
	}

	var running []string
	for _, info := range infos {
		if info.Status == StatusRunning {
			running = append(running, info.Name)
		}
	}

	switch len(running) {
	case 0:
		return "", ErrNoInstances
	case 1:
		return running[0], nil
	default:
		return "", fmt.Errorf("%w: %v", ErrMultipleInstances, running)
	}
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
