package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/pkg/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.ConcurrencyCeiling)
	assert.Equal(t, 8*time.Hour, cfg.Orchestrator.MaxDuration)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.HeartbeatThreshold)
	assert.Equal(t, 3, cfg.Orchestrator.MaxDepth)
	assert.Equal(t, models.DefaultStages(), cfg.Orchestrator.Stages)
	assert.Equal(t, "bus", cfg.Specialist.Mode)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  concurrency_ceiling: 2
  scan_interval: 10s
  stages:
    - name: research
    - name: critique
    - name: backend
    - name: deployment
breaker:
  cooldown: 1m
`), 0o644))
	t.Setenv("ORCH_ORCHESTRATOR_MAX_DEPTH", "5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Orchestrator.ConcurrencyCeiling)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.ScanInterval)
	assert.Equal(t, 5, cfg.Orchestrator.MaxDepth)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	require.Len(t, cfg.Orchestrator.Stages, 4)
	assert.Equal(t, "deliverables.deployment", cfg.Orchestrator.Stages[3].Channel)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Orchestrator.ConcurrencyCeiling = 0
	cfg.Orchestrator.ImplementationStage = "nope"
	cfg.Specialist.Mode = "http"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency_ceiling")
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Contains(t, err.Error(), "specialist.url")
}
