// Package versioning parses and negotiates the semantic versions carried in
// peer protocol identifiers such as /peersync/message/1.0.0.
package versioning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9\-\.]+))?$`)

// APIVersion represents a semantic version
type APIVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// String returns the version as a string (e.g., "1.2.3" or "1.2.3-beta")
func (v APIVersion) String() string {
	version := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		version += "-" + v.Prerelease
	}
	return version
}

// Compare compares this version with another version
// Returns: -1 if this < other, 0 if equal, 1 if this > other
func (v APIVersion) Compare(other APIVersion) int {
	if v.Major != other.Major {
		return compareInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return compareInt(v.Minor, other.Minor)
	}
	if v.Patch != other.Patch {
		return compareInt(v.Patch, other.Patch)
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1 // release sorts after its prereleases
	case other.Prerelease == "":
		return -1
	}
	return strings.Compare(v.Prerelease, other.Prerelease)
}

func compareInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}

// IsCompatible reports whether a peer speaking v can talk to a handler for
// target. Wire formats only change incompatibly across major versions.
func (v APIVersion) IsCompatible(target APIVersion) bool {
	return v.Major == target.Major
}

// ParseVersion parses a version string into an APIVersion
func ParseVersion(versionStr string) (APIVersion, error) {
	matches := semverPattern.FindStringSubmatch(versionStr)
	if len(matches) < 4 {
		return APIVersion{}, fmt.Errorf("invalid version format: %s", versionStr)
	}

	major, err := strconv.Atoi(matches[1])
	if err != nil {
		return APIVersion{}, fmt.Errorf("invalid major version: %s", matches[1])
	}
	minor, err := strconv.Atoi(matches[2])
	if err != nil {
		return APIVersion{}, fmt.Errorf("invalid minor version: %s", matches[2])
	}
	patch, err := strconv.Atoi(matches[3])
	if err != nil {
		return APIVersion{}, fmt.Errorf("invalid patch version: %s", matches[3])
	}

	return APIVersion{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: matches[4],
	}, nil
}

// ProtocolID is a parsed protocol identifier: a path whose last segment is
// the version.
type ProtocolID struct {
	Name    string
	Version APIVersion
}

func (p ProtocolID) String() string {
	return p.Name + "/" + p.Version.String()
}

// ParseProtocol splits an identifier such as /peersync/notify/1.0.0
func ParseProtocol(id string) (ProtocolID, error) {
	idx := strings.LastIndex(id, "/")
	if !strings.HasPrefix(id, "/") || idx <= 0 || idx == len(id)-1 {
		return ProtocolID{}, fmt.Errorf("invalid protocol identifier: %q", id)
	}

	version, err := ParseVersion(id[idx+1:])
	if err != nil {
		return ProtocolID{}, fmt.Errorf("invalid protocol identifier %q: %w", id, err)
	}
	return ProtocolID{Name: id[:idx], Version: version}, nil
}

// Negotiate picks the supported protocol that serves requested: an exact
// match, otherwise the highest supported version of the same protocol with
// the same major version.
func Negotiate(requested string, supported []string) (string, bool) {
	for _, s := range supported {
		if s == requested {
			return s, true
		}
	}

	want, err := ParseProtocol(requested)
	if err != nil {
		return "", false
	}

	var best string
	var bestVersion APIVersion
	for _, s := range supported {
		have, err := ParseProtocol(s)
		if err != nil || have.Name != want.Name || !want.Version.IsCompatible(have.Version) {
			continue
		}
		if best == "" || have.Version.Compare(bestVersion) > 0 {
			best, bestVersion = s, have.Version
		}
	}
	return best, best != ""
}
