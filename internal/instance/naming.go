package instance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	dockerpkg "github.com/dyluth/demandhub/internal/docker"
)

const (
	// DefaultNamePrefix is the prefix for auto-generated instance names
	DefaultNamePrefix = "default-"

	// MaxNameLength is the maximum length for an instance name (DNS-compatible)
	MaxNameLength = 63
)

// NamePattern matches DNS-compatible names: lowercase alphanumerics with
// inner hyphens. Instance names end up in container names and Redis keys.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName checks if an instance name is valid according to DNS naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// GenerateDefaultName returns the next free default-N name.
func GenerateDefaultName(ctx context.Context, cli ContainerLister) (string, error) {
	containers, err := listContainers(ctx, cli, dockerpkg.LabelProject+"=true")
	if err != nil {
		return "", err
	}

	highestN := 0
	for _, c := range containers {
		numStr, ok := strings.CutPrefix(c.Labels[dockerpkg.LabelInstanceName], DefaultNamePrefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(numStr); err == nil && n > highestN {
			highestN = n
		}
	}

	return fmt.Sprintf("%s%d", DefaultNamePrefix, highestN+1), nil
}

// CheckNameCollision reports whether any container already carries the name.
func CheckNameCollision(ctx context.Context, cli ContainerLister, instanceName string) (bool, error) {
	containers, err := listContainers(ctx, cli, dockerpkg.LabelInstanceName+"="+instanceName)
	if err != nil {
		return false, fmt.Errorf("failed to check for name collision: %w", err)
	}
	return len(containers) > 0, nil
}
