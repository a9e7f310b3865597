package instance

import (
	"fmt"
	"os"
)

// GetRedisHost returns the hostname that reaches published container ports:
// host.docker.internal when running inside a container, localhost otherwise.
func GetRedisHost() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	return "localhost"
}

// GetRedisURL constructs the full Redis URL for a given port.
func GetRedisURL(port int) string {
	return fmt.Sprintf("redis://%s:%d", GetRedisHost(), port)
}
