// Package core provides shared types, errors and the registry system.
package core

import (
	"strings"
	"time"
)

// PackageReference is one (name, version) dependency entry in a manifest.
type PackageReference struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PURL renders the reference as a NuGet package URL.
func (r PackageReference) PURL() string {
	return NuGetPURL(r.Name, r.Version)
}

// Matches reports whether the reference is keyed by name. Package names are
// compared case-insensitively.
func (r PackageReference) Matches(name string) bool {
	return strings.EqualFold(r.Name, name)
}

// IndexOf returns the position of the reference keyed by name, or -1.
func IndexOf(refs []PackageReference, name string) int {
	for i, r := range refs {
		if r.Matches(name) {
			return i
		}
	}
	return -1
}

// SearchOptions narrows a registry search.
type SearchOptions struct {
	Prerelease bool
	Skip       int
	Take       int
}

// SearchResult is one package returned by a registry search.
type SearchResult struct {
	Name           string   `json:"name"`
	LatestVersion  string   `json:"latestVersion"`
	Description    string   `json:"description,omitempty"`
	IconURL        string   `json:"iconUrl,omitempty"`
	DetailURL      string   `json:"detailUrl,omitempty"`
	TotalDownloads int64    `json:"totalDownloads,omitempty"`
	Verified       bool     `json:"verified,omitempty"`
	Versions       []string `json:"versions,omitempty"`
}

// Package represents metadata about a package from a registry.
type Package struct {
	Name          string
	Description   string
	Homepage      string
	Repository    string
	Licenses      string
	Keywords      []string
	LatestVersion string
	Metadata      map[string]any // registry-specific data
}

// Version represents a specific version of a package.
type Version struct {
	Number      string
	PublishedAt time.Time
	Licenses    string
	Status      VersionStatus // "", "yanked", "deprecated"
	Metadata    map[string]any
}

// Prerelease reports whether the version carries a prerelease label.
func (v Version) Prerelease() bool {
	return IsPrerelease(v.Number)
}

// IsPrerelease reports whether a version string carries a prerelease label
// (anything after a '-' before build metadata).
func IsPrerelease(version string) bool {
	if i := strings.IndexByte(version, '+'); i >= 0 {
		version = version[:i]
	}
	return strings.Contains(version, "-")
}

// VersionStatus represents the status of a package version.
type VersionStatus string

const (
	StatusNone       VersionStatus = ""
	StatusYanked     VersionStatus = "yanked"
	StatusDeprecated VersionStatus = "deprecated"
)

// Dependency represents a package dependency.
type Dependency struct {
	Name            string
	Requirements    string
	TargetFramework string
}

// Maintainer represents a package maintainer.
type Maintainer struct {
	Name string
}
