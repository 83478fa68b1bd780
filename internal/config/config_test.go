package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CognitiveMesh/internal/errors"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"web3":{"chains_file":"chains.yaml"},"logging":{"audit_file":"logs/audit.log"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 0.05, cfg.Graph.SuccessDelta)
	assert.Equal(t, 0.1, cfg.Graph.FailureDelta)
	assert.Equal(t, 3, cfg.Graph.DefaultMaxDepth)
	assert.Equal(t, 72*time.Hour, cfg.Trust.HalfLife())
	assert.Equal(t, "@every 10m", cfg.Trust.DecaySchedule)
	assert.Equal(t, 120*time.Second, cfg.Tokenization.ConfirmTimeout())
	assert.Equal(t, "memory", cfg.Tokenization.Lock.Driver)
	assert.Equal(t, "memory", cfg.Tokenization.SyncQueue.Driver)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Web3.ChainsFile)
	assert.Equal(t, filepath.Join(dir, "logs/audit.log"), cfg.Logging.AuditFile)
	assert.Equal(t, int64(64<<20), cfg.Logging.AuditMaxBytes)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`{"storage":{"driver":"memory"}}`), "/etc/mesh", env(map[string]string{
		"MESH_STORAGE_DRIVER":  "mysql",
		"MESH_MYSQL_DSN":       "mesh:secret@tcp(db:3306)/mesh",
		"MESH_SLACK_TOKEN":     "xoxb-1",
		"MESH_SLACK_CHANNEL":   "#mesh",
		"MESH_TRACING_ENABLED": "true",
		"MESH_SYNC_WORKERS":    "8",
	}))
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
	assert.Equal(t, "mesh:secret@tcp(db:3306)/mesh", cfg.Storage.MySQL.DSN)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 8, cfg.Tokenization.SyncWorkers)

	_, err = Parse([]byte(`{}`), ".", env(map[string]string{"MESH_SYNC_WORKERS": "many"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"unknown storage", `{"storage":{"driver":"postgres"}}`},
		{"mysql without dsn", `{"storage":{"driver":"mysql"}}`},
		{"strength delta", `{"graph":{"success_delta":1.5}}`},
		{"trust step", `{"trust":{"failure_step":0.2}}`},
		{"redis lock without address", `{"tokenization":{"lock":{"driver":"redis"}}}`},
		{"rabbitmq queue without url", `{"tokenization":{"sync_queue":{"driver":"rabbitmq"}}}`},
		{"unknown exporter", `{"tracing":{"exporter":"jaeger"}}`},
		{"slack without channel", `{"alerting":{"slack":{"token":"xoxb"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.json), ".", nil)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
