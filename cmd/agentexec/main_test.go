package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "agentexec dev (unknown)")
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentexec.db")
	keyPath := filepath.Join(dir, "master.key")
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
credentials:
  masterKeyPath: %s
logging:
  level: error
  format: json
`, dbPath, keyPath)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600))

	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--config", dir})
	require.NoError(t, root.Execute())

	assert.FileExists(t, dbPath)
	assert.FileExists(t, keyPath)

	// Running again against an existing schema is a no-op.
	root = newRootCommand()
	root.SetArgs([]string{"migrate", "--config", dir})
	require.NoError(t, root.Execute())
}
