package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	app, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", app.StoreBackend)
	assert.Equal(t, "local", app.LockBackend)
	assert.Equal(t, 100, app.Policies.Ingest.MaxBatchSize)
	assert.Equal(t, 15*time.Minute, app.Policies.QR.DefaultDuration)
	assert.True(t, app.Policies.Ingest.RequireLocation)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("QUEUE_BACKEND", "rabbit")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOCK_TTL", "nope")
	t.Setenv("REQUIRE_LOCATION", "false")
	t.Setenv("GEOFENCE_LENIENT_ACCURACY_M", "2.5")

	app, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", app.StoreBackend)
	assert.Equal(t, "postgres", app.VersionBackend)
	assert.Equal(t, "postgres", app.CursorBackend)
	assert.Equal(t, "memory", app.QueueBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, app.KafkaBrokers)
	assert.Equal(t, 10*time.Second, app.LockTTL)
	assert.False(t, app.Policies.Ingest.RequireLocation)
	assert.Equal(t, 2.5, app.Policies.Ingest.Geofence.LenientAccuracy)
	assert.Len(t, app.Warnings, 2)
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest:
  max_batch_size: 50
  late_grace: 45m
  geofence:
    altitude_tolerance_m: 1.5
qr:
  default_duration: 10m
`), 0o600))
	t.Setenv("POLICY_FILE", path)

	app, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, app.Policies.Ingest.MaxBatchSize)
	assert.Equal(t, 45*time.Minute, app.Policies.Ingest.LateGrace)
	assert.Equal(t, 1.5, app.Policies.Ingest.Geofence.AltitudeTolerance)
	assert.Equal(t, 5.0, app.Policies.Ingest.Geofence.LenientAccuracy)
	assert.Equal(t, 10*time.Minute, app.Policies.QR.DefaultDuration)
	assert.Equal(t, 60*time.Minute, app.Policies.QR.MaxDuration)
	assert.True(t, app.Policies.Ingest.RequireLocation)
}

func TestLoad_BadPolicyFile(t *testing.T) {
	t.Setenv("POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
