// Package buildinfo carries build-time metadata injected through ldflags.
package buildinfo

import "runtime"

// UnknownValue is reported for metadata that was not set at build time.
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/birdnet-search/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
	commit    string
)

// Info is the build metadata reported by the version command and /health.
type Info struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Current returns the metadata of the running binary.
func Current() Info {
	return Info{
		Version:   orUnknown(version),
		BuildDate: orUnknown(buildDate),
		Commit:    orUnknown(commit),
		GoVersion: runtime.Version(),
	}
}

// String renders the metadata on one line.
func (i Info) String() string {
	return i.Version + " (commit " + i.Commit + ", built " + i.BuildDate + ", " + i.GoVersion + ")"
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownValue
	}
	return s
}
