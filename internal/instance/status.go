package instance

import (
	"github.com/docker/docker/api/types"
)

// Status represents the health status of a demandhub instance
type Status string

const (
	// StatusRunning indicates all containers are running
	StatusRunning Status = "Running"

	// StatusDegraded indicates some containers are stopped or missing
	StatusDegraded Status = "Degraded"

	// StatusStopped indicates all containers exist but are stopped
	StatusStopped Status = "Stopped"
)

// DetermineStatus analyzes a set of containers and determines the overall instance status.
func DetermineStatus(containers []types.Container) Status {
	runningCount := 0
	for _, c := range containers {
		if c.State == "running" {
			runningCount++
		}
	}

	switch {
	case len(containers) > 0 && runningCount == len(containers):
		return StatusRunning
	case runningCount > 0:
		return StatusDegraded
	default:
		return StatusStopped
	}
}

// InstanceInfo is one row of `demandhub list`.
type InstanceInfo struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	RedisPort int    `json:"redis_port,omitempty"`
	Uptime    string `json:"uptime"`
}
