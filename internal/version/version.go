// Package version resolves this module's own version at runtime, for
// inclusion in fatal diagnostic messages where a bug report benefits from
// knowing exactly which build produced it.
package version

import "runtime/debug"

const modulePath = "github.com/wazerocore/stackvm"

// GetVersion returns the version of this module as resolved from the
// running binary's embedded build info, or "dev" if it cannot be
// determined (e.g. when running via `go run` against a local checkout
// with no version-pinned dependency graph).
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "dev"
}
