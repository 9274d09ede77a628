package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":3000", cfg.HTTPAddr())
	assert.Equal(t, ":5000", cfg.UDPAddr())
	assert.Equal(t, 3*time.Second, cfg.FrameTimeout)
	assert.Equal(t, 5*time.Second, cfg.CameraStartDelay)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("UDP_PORT", "6000")
	t.Setenv("DETECTION_URL", "http://detector:9000/detect")
	t.Setenv("FRAME_TIMEOUT_MS", "1500")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 6000, cfg.UDPPort)
	assert.Equal(t, "http://detector:9000/detect", cfg.DetectionURL)
	assert.Equal(t, 1500*time.Millisecond, cfg.FrameTimeout)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTBroker)
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_PORT=4100\nCAMERA_START_DELAY_MS=250\n"), 0o644))

	t.Setenv("SERVER_PORT", "4200")
	// godotenv sets variables missing from the environment; t.Setenv restores them.
	t.Setenv("CAMERA_START_DELAY_MS", "")
	require.NoError(t, os.Unsetenv("CAMERA_START_DELAY_MS"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4200, cfg.HTTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.CameraStartDelay)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SERVER_PORT", "http"},
		{"UDP_PORT", "70000"},
		{"FRAME_TIMEOUT_MS", "0"},
		{"DETECTION_MAX_INFLIGHT", "-1"},
		{"DETECTION_URL", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
