package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Master.ExecTaskThreads)
	assert.Equal(t, 50, cfg.Master.DagEnginePool)
	assert.Equal(t, 5*time.Second, cfg.Master.HeartbeatInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, ":7890", cfg.Coordinator.ListenAddr)
	assert.Equal(t, 85.0, cfg.Admission.MaxCPUPercent)
}

func TestLoad_MissingConfigFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}
