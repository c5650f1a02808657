// Package all imports every supported registry implementation.
//
// Import this package for its side effects:
//
//	import _ "github.com/git-pkgs/pkgref/all"
//
//	ecosystems := core.SupportedEcosystems() // ["nuget"]
package all

import (
	_ "github.com/git-pkgs/pkgref/internal/nuget"
)
