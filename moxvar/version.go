// Package moxvar provides the version of a moxreport build, and helpers
// shared by the packages that open databases.
package moxvar

import (
	"runtime/debug"
)

// Version is determined at startup from the Go module build information. For
// builds from a checkout, it is the vcs revision, with "+modifications" if the
// working tree had changes.
var Version = "(devel)"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		Version = buildVersion(info)
	}
}

func buildVersion(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return "(devel)"
	}
	switch settings["vcs.modified"] {
	case "false":
		return rev
	case "true":
		return rev + "+modifications"
	}
	return rev + "+unknown"
}
