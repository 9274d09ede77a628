// Package config reads the relay's settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid is wrapped by every validation failure returned from Load.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every tunable the relay reads at startup.
type Config struct {
	HTTPPort  int
	UDPPort   int
	UDPRcvBuf int

	DetectionURL         string
	DetectionTimeout     time.Duration
	DetectionMaxInFlight int

	FrameTimeout       time.Duration
	MaxPacketsPerFrame int
	CameraStartDelay   time.Duration
	ShutdownGrace      time.Duration
	StatsInterval      time.Duration

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTStatusTopic string
	MQTTPingTopic   string
	MQTTStatsTopic  string
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		HTTPPort:             3000,
		UDPPort:              5000,
		UDPRcvBuf:            4 << 20,
		DetectionURL:         "http://localhost:8000/detect",
		DetectionTimeout:     5 * time.Second,
		DetectionMaxInFlight: 4,
		FrameTimeout:         3 * time.Second,
		MaxPacketsPerFrame:   1024,
		CameraStartDelay:     5 * time.Second,
		ShutdownGrace:        time.Second,
		StatsInterval:        time.Minute,
		MQTTClientID:         "relay-node",
		MQTTStatusTopic:      "relay/status",
		MQTTPingTopic:        "relay/ping",
		MQTTStatsTopic:       "relay/stats",
	}
}

// Load applies envFile (if it exists) and the process environment on top of
// Default. Variables already present in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	cfg := Default()
	r := reader{}

	cfg.HTTPPort = r.port("SERVER_PORT", cfg.HTTPPort)
	cfg.UDPPort = r.port("UDP_PORT", cfg.UDPPort)
	cfg.UDPRcvBuf = r.positive("UDP_RCVBUF", cfg.UDPRcvBuf)

	cfg.DetectionURL = r.str("DETECTION_URL", cfg.DetectionURL)
	cfg.DetectionTimeout = r.millis("DETECTION_TIMEOUT_MS", cfg.DetectionTimeout)
	cfg.DetectionMaxInFlight = r.positive("DETECTION_MAX_INFLIGHT", cfg.DetectionMaxInFlight)

	cfg.FrameTimeout = r.millis("FRAME_TIMEOUT_MS", cfg.FrameTimeout)
	cfg.MaxPacketsPerFrame = r.positive("MAX_PACKETS_PER_FRAME", cfg.MaxPacketsPerFrame)
	cfg.CameraStartDelay = r.millis("CAMERA_START_DELAY_MS", cfg.CameraStartDelay)
	cfg.ShutdownGrace = r.millis("SHUTDOWN_GRACE_MS", cfg.ShutdownGrace)
	cfg.StatsInterval = r.millis("STATS_INTERVAL_MS", cfg.StatsInterval)

	cfg.MQTTBroker = r.str("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTClientID = r.str("MQTT_CLIENT_ID", cfg.MQTTClientID)
	cfg.MQTTUsername = r.str("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = r.str("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.MQTTStatusTopic = r.str("MQTT_STATUS_TOPIC", cfg.MQTTStatusTopic)
	cfg.MQTTPingTopic = r.str("MQTT_PING_TOPIC", cfg.MQTTPingTopic)
	cfg.MQTTStatsTopic = r.str("MQTT_STATS_TOPIC", cfg.MQTTStatsTopic)

	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.DetectionURL == "" {
		return Config{}, fmt.Errorf("%w: DETECTION_URL is empty", ErrInvalid)
	}
	return cfg, nil
}

// HTTPAddr is the listen address for the HTTP and channel server.
func (c Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// UDPAddr is the listen address for camera fragments.
func (c Config) UDPAddr() string { return fmt.Sprintf(":%d", c.UDPPort) }

// reader keeps the first parse error so Load can report it once.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v))
		return def, false
	}
	return n, true
}

func (r *reader) positive(key string, def int) int {
	n, ok := r.int(key, def)
	if ok && n <= 0 {
		r.fail(fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, key, n))
		return def
	}
	return n
}

func (r *reader) port(key string, def int) int {
	n, ok := r.int(key, def)
	if ok && (n < 0 || n > 65535) {
		r.fail(fmt.Errorf("%w: %s=%d is out of range", ErrInvalid, key, n))
		return def
	}
	return n
}

func (r *reader) millis(key string, def time.Duration) time.Duration {
	n, ok := r.int(key, int(def/time.Millisecond))
	if !ok {
		return def
	}
	if n <= 0 {
		r.fail(fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, key, n))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
