// Package config loads terminal daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/models"
	"github.com/appgrav/poscore/internal/uuid"
)

// Config holds all terminal daemon settings.
type Config struct {
	// DataDir is where the sqlite database and device identity live.
	DataDir string `yaml:"data_dir"`

	// APIAddr is the localhost address for the UI-facing HTTP API.
	APIAddr string `yaml:"api_addr"`

	Device  DeviceConfig  `yaml:"device"`
	Remote  RemoteConfig  `yaml:"remote"`
	Hub     HubConfig     `yaml:"hub"`
	Display DisplayConfig `yaml:"display"`
	Queue   QueueConfig   `yaml:"queue"`
}

// RemoteConfig points at the cloud sync endpoint.
type RemoteConfig struct {
	// URL is the base URL queued mutations are pushed to. Empty disables
	// pushing; envelopes accumulate until it is configured.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DeviceConfig identifies this terminal on the LAN.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // pos, kds, display, mobile
}

// HubConfig controls the LAN hub and presence thresholds.
type HubConfig struct {
	// ListenAddr is where the hub serves websocket connections when this
	// terminal runs the hub.
	ListenAddr string `yaml:"listen_addr"`
	// Addr is the hub address this terminal connects to as a client, and the
	// address probed before starting a local hub.
	Addr string `yaml:"addr"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OnlineThreshold   time.Duration `yaml:"online_threshold"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
}

// DisplayConfig controls the same-machine customer display bus.
type DisplayConfig struct {
	// BusAddr is the loopback address of the display relay.
	BusAddr string `yaml:"bus_addr"`
}

// QueueConfig controls the local sync queue.
type QueueConfig struct {
	// MaxSize caps the number of envelopes held locally. Zero means the
	// default cap.
	MaxSize int `yaml:"max_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		APIAddr: "127.0.0.1:8090",
		Device: DeviceConfig{
			Name: "POS Terminal",
			Type: string(models.DevicePOS),
		},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Hub: HubConfig{
			ListenAddr:        ":8091",
			Addr:              "127.0.0.1:8091",
			HeartbeatInterval: 30 * time.Second,
			OnlineThreshold:   60 * time.Second,
			StaleThreshold:    120 * time.Second,
		},
		Display: DisplayConfig{
			BusAddr: "127.0.0.1:8092",
		},
		Queue: QueueConfig{
			MaxSize: 500,
		},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to parse config file", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POSCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("POSCORE_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("POSCORE_HUB_LISTEN_ADDR"); v != "" {
		cfg.Hub.ListenAddr = v
	}
	if v := os.Getenv("POSCORE_HUB_ADDR"); v != "" {
		cfg.Hub.Addr = v
	}
	if v := os.Getenv("POSCORE_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("POSCORE_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("POSCORE_DEVICE_TYPE"); v != "" {
		cfg.Device.Type = v
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrConfig, "data_dir must not be empty")
	}
	switch models.DeviceType(c.Device.Type) {
	case models.DevicePOS, models.DeviceKDS, models.DeviceDisplay, models.DeviceMobile:
	default:
		return errors.Newf(errors.ErrConfig, "unknown device type %q", c.Device.Type)
	}
	if c.Hub.HeartbeatInterval <= 0 {
		return errors.New(errors.ErrConfig, "heartbeat_interval must be positive")
	}
	if c.Hub.OnlineThreshold <= 0 || c.Hub.StaleThreshold <= c.Hub.OnlineThreshold {
		return errors.New(errors.ErrConfig, "stale_threshold must exceed online_threshold")
	}
	if c.Queue.MaxSize < 0 {
		return errors.New(errors.ErrConfig, "queue max_size must not be negative")
	}
	return nil
}

// EnsureDeviceID loads the per-installation device id from dataDir, creating
// and persisting a new one on first run. The id survives restarts.
func EnsureDeviceID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", errors.Wrap(errors.ErrConfig, "failed to create data directory", err)
	}

	idPath := filepath.Join(dataDir, "device_id")
	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if uuid.IsValid(id) {
			return id, nil
		}
		// Corrupt identity file: regenerate rather than refuse to start.
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(errors.ErrConfig, "failed to read device id", err)
	}

	id := uuid.New()
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0644); err != nil {
		return "", errors.Wrap(errors.ErrConfig, "failed to persist device id", err)
	}
	return id, nil
}

// String renders the config for startup logging, single line.
func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s api=%s hub_listen=%s hub=%s device=%s/%s",
		c.DataDir, c.APIAddr, c.Hub.ListenAddr, c.Hub.Addr, c.Device.Type, c.Device.Name)
}
