// Package numa provides best-effort NUMA topology hints.
//
// On Linux the node count comes from sysfs and the current node from
// getcpu(2); elsewhere everything collapses to a single node. Callers treat
// the node purely as a locality hint, never as a correctness input.
package numa

import (
	"os"
	"strings"
	"sync"
)

var (
	once     sync.Once
	numNodes int
)

// NumNodes returns the number of NUMA nodes, at least 1.
func NumNodes() int {
	once.Do(func() {
		numNodes = detectNodes()
		if numNodes < 1 {
			numNodes = 1
		}
	})
	return numNodes
}

// CurrentNode returns the NUMA node the calling thread is executing on,
// clamped to [0, NumNodes()). Returns 0 when detection is unavailable.
func CurrentNode() int {
	n := currentNode()
	if n < 0 || n >= NumNodes() {
		return 0
	}
	return n
}

func detectNodes() int {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 1
	}
	count := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "node") && len(name) > 4 {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}
