package version

import (
	"testing"
)

func TestVersionVariables(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if GitCommit != "unknown" && len(GitCommit) < 7 {
		t.Errorf("GitCommit '%s' seems invalid, should be 'unknown' or a git hash", GitCommit)
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
}

func TestString(t *testing.T) {
	oldVersion, oldCommit, oldBuild := Version, GitCommit, BuildTime
	defer func() { Version, GitCommit, BuildTime = oldVersion, oldCommit, oldBuild }()

	tests := []struct {
		name    string
		version string
		commit  string
		built   string
		want    string
	}{
		{
			name:    "defaults",
			version: "dev",
			commit:  "unknown",
			built:   "unknown",
			want:    "dlsync dev (commit unknown, built unknown)",
		},
		{
			name:    "full hash is shortened",
			version: "1.2.0",
			commit:  "0123456789abcdef",
			built:   "2024-01-01T00:00:00Z",
			want:    "dlsync 1.2.0 (commit 0123456, built 2024-01-01T00:00:00Z)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, GitCommit, BuildTime = tt.version, tt.commit, tt.built
			if got := String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
