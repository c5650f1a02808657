package core

import (
	"fmt"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// NuGetPURL returns the package URL for a NuGet package, with the version
// appended when non-empty.
func NuGetPURL(name, version string) string {
	return packageurl.NewPackageURL(packageurl.TypeNuget, "", name, version, nil, "").ToString()
}

// ParseReference accepts "pkg:nuget/Name@1.0.0", "Name@1.0.0" or "Name" and
// returns the name and (possibly empty) version.
func ParseReference(s string) (PackageReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PackageReference{}, fmt.Errorf("%w: empty package", ErrInvalidReference)
	}

	if strings.HasPrefix(s, "pkg:") {
		p, err := packageurl.FromString(s)
		if err != nil {
			return PackageReference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		if p.Type != packageurl.TypeNuget {
			return PackageReference{}, fmt.Errorf("%w: unsupported package type %q", ErrInvalidReference, p.Type)
		}
		return PackageReference{Name: p.Name, Version: p.Version}, nil
	}

	name, version, _ := strings.Cut(s, "@")
	if name == "" {
		return PackageReference{}, fmt.Errorf("%w: %q has no package name", ErrInvalidReference, s)
	}
	return PackageReference{Name: name, Version: version}, nil
}
