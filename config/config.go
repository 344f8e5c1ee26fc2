// Package config loads dsmed's startup configuration: the socket path,
// the plugin load list, logging defaults, and tuning for the
// illustrative plugins. Shape and load/save semantics follow the
// teacher's config package almost directly (DefaultConfig/LoadConfig/
// SaveConfig over a YAML file, merged over defaults).
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinydsme/dsmed/socket"
)

// Config is dsmed's startup configuration.
type Config struct {
	// SockPath overrides the listen socket path; empty means
	// socket.DefaultSockPath (subject to the DSME_SOCKFILE env override).
	SockPath string `yaml:"sock_path"`

	// Plugins is the startup module list, in load order.
	Plugins []string `yaml:"plugins"`

	Logging  LoggingConfig  `yaml:"logging"`
	Socket   SocketConfig   `yaml:"socket"`
	DBus     DBusConfig     `yaml:"dbus"`
	Disk     DiskConfig     `yaml:"disk"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// LoggingConfig mirrors the logger's open() parameters and startup rules.
type LoggingConfig struct {
	Method    string   `yaml:"method"` // none|stderr|syslog|file
	Verbosity int      `yaml:"verbosity"`
	FilePath  string   `yaml:"file_path"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
}

// SocketConfig configures the socket server.
type SocketConfig struct {
	CompatPingToPong bool `yaml:"compat_ping_to_pong"`
}

// DBusConfig configures the D-Bus proxy.
type DBusConfig struct {
	ServiceName           string   `yaml:"service_name"`
	PrivilegedUIDs        []uint32 `yaml:"privileged_uids"`
	RebootOnBusDisconnect bool     `yaml:"reboot_on_bus_disconnect"`
	MarkerFilePath        string   `yaml:"marker_file_path"`
}

// DiskConfig tunes the illustrative diskmonitor plugin's threshold ladder.
type DiskConfig struct {
	Mounts       []string `yaml:"mounts"`
	Warning      int      `yaml:"warning"`
	Moderate     int      `yaml:"moderate"`
	Aggressive   int      `yaml:"aggressive"`
	Critical     int      `yaml:"critical"`
	DockerSocket string   `yaml:"docker_socket"`
	// StateFiles are dsmed's own persisted-state files eligible for
	// sparse-region compaction at the Critical threshold.
	StateFiles []string `yaml:"state_files"`
}

// WatchdogConfig toggles the heartbeat relay.
type WatchdogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns dsmed's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Plugins: []string{"state", "alarmtracker", "diskmonitor", "dbusautoconnect"},
		Logging: LoggingConfig{
			Method:    "syslog",
			Verbosity: 6,
		},
		Socket: SocketConfig{
			CompatPingToPong: true,
		},
		DBus: DBusConfig{
			ServiceName:           "com.nokia.dsme",
			RebootOnBusDisconnect: true,
			MarkerFilePath:        "/run/systemd/boot-status/dbus-failed",
		},
		Disk: DiskConfig{
			Mounts:       []string{"/"},
			Warning:      80,
			Moderate:     85,
			Aggressive:   90,
			Critical:     95,
			DockerSocket: "/var/run/docker.sock",
			StateFiles:   []string{"/var/lib/dsme/alarm_queue_status"},
		},
		Watchdog: WatchdogConfig{
			Enabled: true,
		},
	}
}

// ResolvedSockPath returns SockPath if set, else socket.DefaultSockPath
// (itself subject to the DSME_SOCKFILE environment override).
func (c *Config) ResolvedSockPath() string {
	return socket.Config{Path: c.SockPath}.ResolvedPath()
}

// LoadConfig loads configuration from a YAML file, merged over defaults.
// A missing file is not an error: defaults are returned unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories as needed.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
