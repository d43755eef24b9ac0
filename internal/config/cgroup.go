package config

import (
	"os"
	"strconv"
	"strings"
)

// getMemoryLimit reads the container memory limit in bytes from the cgroup
// filesystem, trying cgroup v2 first and falling back to v1. Returns 0 (no
// error) when no limit is detected, e.g. on bare metal or an unconstrained
// container.
func getMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

// calculateMaxConnections derives a safe EVENTHUB_MAX_CONNECTIONS default
// from the detected cgroup memory limit, reserving headroom for runtime
// overhead (goroutine stacks, buffer pools, the Redis client) and budgeting
// ~180KB per connection (send mailbox + replay headroom + bookkeeping).
// Bounded to [100, 50000]; 0 (no limit detected) falls back to 10000.
func calculateMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 180 * 1024

	availableBytes := memoryLimitBytes - runtimeOverheadBytes
	if availableBytes < 0 {
		availableBytes = memoryLimitBytes / 2
	}

	maxConns := int(availableBytes / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}
