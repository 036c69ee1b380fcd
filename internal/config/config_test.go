package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "data/sosguard.db", cfg.DatabasePath)
	assert.Equal(t, 5, cfg.SOSCountdownSeconds)
	assert.Equal(t, 5*time.Second, cfg.LocationMinInterval)
	assert.Equal(t, 10.0, cfg.LocationMinDistanceM)
	assert.False(t, cfg.PersistAlerts)
	assert.Equal(t, "sosguard-default-device", cfg.MQTTClientID)
	assert.Equal(t, "@every 30s", cfg.LocationSyncSchedule)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SOSGUARD_HTTP_PORT", "8181")
	t.Setenv("SOSGUARD_DEVICE_ID", "phone-7")
	t.Setenv("SOSGUARD_SOS_COUNTDOWN_SECONDS", "3")
	t.Setenv("SOSGUARD_LOCATION_MIN_INTERVAL", "2s")
	t.Setenv("SOSGUARD_PERSIST_ALERTS", "true")
	t.Setenv("SOSGUARD_BACKEND_URL", "https://backend.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, "phone-7", cfg.DeviceID)
	assert.Equal(t, "sosguard-phone-7", cfg.MQTTClientID)
	assert.Equal(t, 3, cfg.SOSCountdownSeconds)
	assert.Equal(t, 2*time.Second, cfg.LocationMinInterval)
	assert.True(t, cfg.PersistAlerts)
	assert.Equal(t, "https://backend.example.com", cfg.BackendURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SOSGUARD_HTTP_PORT":             "not-a-port",
		"SOSGUARD_METRICS_PORT":          "70000",
		"SOSGUARD_SOS_COUNTDOWN_SECONDS": "0",
		"SOSGUARD_PERSIST_ALERTS":        "maybe",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
