package main

import (
	"fmt"
	"os"
	"strconv"
)

const (
	envDepth    = "SUBAGENT_DEPTH"
	envMaxDepth = "SUBAGENT_MAX_DEPTH"

	defaultMaxDepth = 2
)

// currentDepth reads the nesting depth set by a parent engine, 0 when unset.
func currentDepth() int {
	val := os.Getenv(envDepth)
	if val == "" {
		return 0
	}
	depth, err := strconv.Atoi(val)
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

// maxAllowedDepth returns the nesting cap. 0 disables nesting entirely.
func maxAllowedDepth() int {
	val := os.Getenv(envMaxDepth)
	if val == "" {
		return defaultMaxDepth
	}
	limit, err := strconv.Atoi(val)
	if err != nil || limit < 0 {
		return defaultMaxDepth
	}
	return limit
}

func checkDepth() error {
	depth := currentDepth()
	limit := maxAllowedDepth()
	if depth >= limit {
		return fmt.Errorf("Nested subagent call blocked: depth %d reached the limit of %d. Subagents may not spawn further subagents; raise %s to allow deeper nesting.", depth, limit, envMaxDepth)
	}
	return nil
}

// childDepthEnv is the SUBAGENT_DEPTH entry to set on a spawned runner.
func childDepthEnv() string {
	return fmt.Sprintf("%s=%d", envDepth, currentDepth()+1)
}
