// Package version holds the toolkit version, used by the CLIs and by the
// schema loader's compatibility gate.
package version

import "github.com/blang/semver/v4"

// Version is the toolkit release. Overridden at build time via -ldflags.
var Version = "4.0.0"

// Current returns the parsed toolkit version.
func Current() semver.Version {
	return semver.MustParse(Version)
}
