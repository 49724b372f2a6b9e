package version

import "fmt"

// Set at build time via -ldflags "-X github.com/chmdznr/offline-daylog/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the one-line form printed by "dlsync version".
func String() string {
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("dlsync %s (commit %s, built %s)", Version, commit, BuildTime)
}
