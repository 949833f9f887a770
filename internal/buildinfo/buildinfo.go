// Package buildinfo resolves the agent's own short commit hash once, for
// inclusion in /status responses.
package buildinfo

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const unknown = "unknown"

var (
	once   sync.Once
	commit string
)

// Commit returns the short git hash of HEAD in the git repository that
// contains the process's working directory, resolved on first call and
// cached for the lifetime of the process.
// "unknown" is returned, never an error, when git metadata isn't available
// (e.g. running from an extracted release tarball).
func Commit() string {
	once.Do(func() {
		commit = resolveCommit()
	})
	return commit
}

func resolveCommit() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return unknown
	}
	hash := strings.TrimSpace(string(out))
	if hash == "" {
		return unknown
	}
	return hash
}
