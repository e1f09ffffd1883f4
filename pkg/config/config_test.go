package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 5.0, cfg.Trust.DecayMedium)
	assert.Equal(t, 5, cfg.Anomaly.AuthFailureThreshold)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aegis.yaml")
	doc := `
ledger:
  backend: sqlite
  dsn: /var/lib/aegis/ledger.db
trust:
  decay_critical: 30
sweep_interval: 30s
webhook:
  url: https://hooks.example.com/aegis
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, "/var/lib/aegis/ledger.db", cfg.Ledger.DSN)
	assert.Equal(t, 30.0, cfg.Trust.DecayCritical)
	// Untouched keys keep their defaults.
	assert.Equal(t, 12.0, cfg.Trust.DecayHigh)
	assert.Equal(t, "memory", cfg.TrustStore.Backend)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, "https://hooks.example.com/aegis", cfg.Webhook.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"missing dsn":     "ledger:\n  backend: postgres\n",
		"unknown backend": "trust_store:\n  backend: etcd\n",
		"bad interval":    "sweep_interval: -1s\n",
		"not yaml":        "{{{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
