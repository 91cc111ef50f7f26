package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/conf"
)

func TestVersionSkipsConfigLoading(t *testing.T) {
	settings := &conf.Settings{}
	root := RootCommand(settings)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", "/nonexistent/config.yaml"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "commit")
	assert.Empty(t, settings.Database.Driver)
}

func TestSubcommandsRegistered(t *testing.T) {
	root := RootCommand(&conf.Settings{})
	for _, args := range [][]string{{"serve"}, {"embeddings", "import"}, {"reconcile"}, {"version"}} {
		found, _, err := root.Find(args)
		require.NoError(t, err)
		assert.Equal(t, args[len(args)-1], found.Name())
	}
}

func TestReconcileLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("database:\n  driver: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "search.db") + "\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	settings := &conf.Settings{}
	root := RootCommand(settings)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"reconcile", "--config", path, "missing-session"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-session")
	assert.Equal(t, "sqlite", settings.Database.Driver)
}
