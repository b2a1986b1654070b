package version

import (
	"fmt"
	"os/exec"
	"strings"
)

var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the full version string, appending a git-derived suffix
// when the binary is run from inside a git repository whose HEAD is not on
// a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

// UserAgent identifies voxpipe in outgoing HTTP requests.
func UserAgent() string {
	return "voxpipe/" + Version
}

// Describe is the one-line build description printed by `voxpipe version`.
func Describe() string {
	return describe(Resolve(), Commit, Date)
}

func describe(version, commit, date string) string {
	var extra []string
	if commit != "" && commit != "unknown" {
		extra = append(extra, "commit "+commit)
	}
	if date != "" && date != "unknown" {
		extra = append(extra, "built "+date)
	}
	if len(extra) == 0 {
		return "voxpipe " + version
	}
	return fmt.Sprintf("voxpipe %s (%s)", version, strings.Join(extra, ", "))
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	if base == "" {
		base = "0.0.0"
	}

	suffix := gitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func gitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
