package version

import (
	"fmt"
	"strings"
)

const (
	snapshotString = "snapshot"
	productName    = "rget"
)

var (
	// Build time injected information
	Version    string
	CommitHash string
	BuildTime  string
	Prerelease string
	Snapshot   string
	OS         string
	Arch       string
	Branch     string
)

type buildInfo struct {
	version    string
	commitHash string
	prerelease string
	snapshot   string
	os         string
	arch       string
	branch     string
}

// GetVersion returns the version information in a human consumable way. It is printed by the version
// command and embedded in the User-Agent of every request.
func GetVersion() string {
	return buildInfo{
		version:    Version,
		commitHash: CommitHash,
		prerelease: Prerelease,
		snapshot:   Snapshot,
		os:         OS,
		arch:       Arch,
		branch:     Branch,
	}.String()
}

// UserAgent is the value sent in the User-Agent header of probes and fetches.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", productName, GetVersion())
}

func (b buildInfo) String() string {
	version := b.version
	if version == "" {
		version = "development"
	}
	var sb strings.Builder
	sb.WriteString(version)
	if b.commitHash != "" {
		fmt.Fprintf(&sb, "(%s)", b.commitHash)
	}
	if b.prerelease != "" {
		fmt.Fprintf(&sb, "-%s", b.prerelease)
	} else if b.snapshot == "true" {
		fmt.Fprintf(&sb, "-%s", snapshotString)
	}

	if b.branch != "" && b.branch != "main" && b.branch != "HEAD" {
		fmt.Fprintf(&sb, "[%s]", b.branch)
	}

	switch {
	case b.os != "" && b.arch != "":
		fmt.Fprintf(&sb, "/%s-%s", b.os, b.arch)
	case b.os != "":
		fmt.Fprintf(&sb, "/%s", b.os)
	}
	return sb.String()
}
