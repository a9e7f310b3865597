package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for demandhub resources
const (
	LabelProject       = "demandhub.project"
	LabelInstanceName  = "demandhub.instance.name"
	LabelInstanceRunID = "demandhub.instance.run_id"
	LabelComponent     = "demandhub.component"
	LabelRedisPort     = "demandhub.redis.port"
)

// ComponentRedis is the only component of a dev stack.
const ComponentRedis = "redis"

// BuildLabels creates the standard label set for demandhub resources.
// component may be empty for instance-wide resources.
func BuildLabels(instanceName, runID, component string) map[string]string {
	labels := map[string]string{
		LabelProject:       "true",
		LabelInstanceName:  instanceName,
		LabelInstanceRunID: runID,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `demandhub up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("demandhub-redis-%s", instanceName)
}
