package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadWithPath_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3*time.Minute, cfg.Cleanup.FailureDelay)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.SuccessDelay)
	assert.Equal(t, 5*time.Second, cfg.Runtime.HealthTimeout)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.RecoveryGrace)
	assert.Equal(t, "claude", cfg.Orchestrator.DefaultAgentKind)
	assert.True(t, cfg.Runtime.AutoInterrupt)
	assert.False(t, cfg.Runtime.IsRemote())
	assert.False(t, cfg.Artifacts.Enabled())
}

func TestLoadWithPath_FileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := writeConfig(t, `
server:
  port: 9090
runtime:
  remoteEndpoint: http://runtime.internal:9000
cleanup:
  failureDelay: 1m
agents:
  claude:
    command: /opt/bin/claude
    args: ["--verbose"]
artifacts:
  endpoint: minio:9000
  bucket: transcripts
`)
	t.Setenv("AGENTEXEC_LOGGING_LEVEL", "debug")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Runtime.IsRemote())
	assert.Equal(t, time.Minute, cfg.Cleanup.FailureDelay)
	assert.Equal(t, "/opt/bin/claude", cfg.Agents["claude"].Command)
	assert.Equal(t, []string{"--verbose"}, cfg.Agents["claude"].Args)
	assert.True(t, cfg.Artifacts.Enabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "ghp_fallback", cfg.Credentials.GitHubToken)
}

func TestLoadWithPath_CollectsValidationErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := writeConfig(t, `
database:
  driver: mysql
logging:
  level: loud
orchestrator:
  workers: 0
`)

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "orchestrator.workers")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.agentexec/master.key")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".agentexec", "master.key"), got)

	got, err = ExpandHome("/var/lib/agentexec")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentexec", got)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "agentexec", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=agentexec sslmode=disable", d.DSN())
}
