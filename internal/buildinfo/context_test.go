package buildinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrentDefaultsToUnknown(t *testing.T) {
	t.Cleanup(func() { version, buildDate, commit = "", "", "" })

	info := Current()
	assert.Equal(t, UnknownValue, info.Version)
	assert.Equal(t, UnknownValue, info.BuildDate)
	assert.Equal(t, UnknownValue, info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)

	version, buildDate, commit = "v1.2.0", "2026-10-01", "abc123"
	info = Current()
	assert.Equal(t, "v1.2.0", info.Version)
	assert.Contains(t, info.String(), "commit abc123")
	assert.Contains(t, info.String(), "built 2026-10-01")
}
