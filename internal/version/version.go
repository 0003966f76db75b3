// Package version resolves which commit of the station code is
// deployed locally and what the remote HEAD is.
package version

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MarkerFile is written by the updater after a successful apply; it is
// the source of truth on devices deployed without a .git directory.
const MarkerFile = ".keuka_commit"

// LocalCommit returns the deployed commit SHA for root and where it
// came from ("git" or "marker"). Empty when neither source is usable.
func LocalCommit(root string) (sha, source string) {
	out, err := runGit(root, "rev-parse", "HEAD")
	if err == nil && out != "" {
		return out, "git"
	}
	data, err := os.ReadFile(filepath.Join(root, MarkerFile))
	if err == nil {
		// Marker format: "<sha> <written-at>".
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			return fields[0], "marker"
		}
	}
	return "", ""
}

// RemoteHead returns the SHA of the remote default branch HEAD.
func RemoteHead(repoURL string) (string, error) {
	cmd := exec.Command("git", "ls-remote", repoURL, "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// Short abbreviates a SHA for display.
func Short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// WriteMarker records a deployed SHA. next selects the staging marker
// (.keuka_commit.next) written before the service restart; the updater
// promotes it afterwards.
func WriteMarker(root, sha string, next bool) error {
	name := MarkerFile
	if next {
		name += ".next"
	}
	line := strings.TrimSpace(sha) + " " + time.Now().UTC().Format(time.RFC3339) + "\n"
	return os.WriteFile(filepath.Join(root, name), []byte(line), 0644)
}

// PromoteMarker renames .keuka_commit.next to .keuka_commit.
func PromoteMarker(root string) error {
	return os.Rename(
		filepath.Join(root, MarkerFile+".next"),
		filepath.Join(root, MarkerFile),
	)
}
