package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelink/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	BLE        BLEConfig  `yaml:"ble"`
	Scan       ScanConfig `yaml:"scan"`
	RecordPath string     `yaml:"record_path"` // default scan snapshot file
}

// BLEConfig holds engine settings. Durations are in milliseconds.
type BLEConfig struct {
	ReconnectCount       int `yaml:"reconnect_count"`
	ReconnectIntervalMs  int `yaml:"reconnect_interval_ms"`
	SplitWriteNum        int `yaml:"split_write_num"`
	SplitWriteIntervalMs int `yaml:"split_write_interval_ms"`
	ConnectTimeoutMs     int `yaml:"connect_timeout_ms"`
	OperateTimeoutMs     int `yaml:"operate_timeout_ms"`
	MaxConnections       int `yaml:"max_connections"`
}

// ScanConfig holds the default scan filter.
type ScanConfig struct {
	TimeoutMs    int      `yaml:"timeout_ms"`
	ServiceUUIDs []string `yaml:"service_uuids"`
	Names        []string `yaml:"names"`
	FuzzyName    bool     `yaml:"fuzzy_name"`
	Address      string   `yaml:"address"`
	AutoConnect  bool     `yaml:"auto_connect"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ReconnectCount:       opts.ReconnectCount,
			ReconnectIntervalMs:  int(opts.ReconnectInterval / time.Millisecond),
			SplitWriteNum:        opts.SplitWriteNum,
			SplitWriteIntervalMs: int(opts.SplitWriteInterval / time.Millisecond),
			ConnectTimeoutMs:     int(opts.ConnectTimeout / time.Millisecond),
			OperateTimeoutMs:     int(opts.OperationTimeout / time.Millisecond),
			MaxConnections:       opts.MaxConnections,
		},
		Scan: ScanConfig{
			TimeoutMs: int(opts.ScanTimeout / time.Millisecond),
		},
		RecordPath: expandTilde("~/.local/share/blelink/last-scan.pb"),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in record_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.RecordPath = expandTilde(cfg.RecordPath)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. If the file
// already exists it is left alone and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "config.yaml" {
		return "", errors.New("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := "# blelink configuration. Durations are in milliseconds.\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	b := c.BLE
	if b.ReconnectCount < 0 {
		return fmt.Errorf("ble.reconnect_count must be >= 0, got %d", b.ReconnectCount)
	}
	if b.ReconnectIntervalMs < 0 {
		return fmt.Errorf("ble.reconnect_interval_ms must be >= 0, got %d", b.ReconnectIntervalMs)
	}
	if b.SplitWriteNum <= 0 {
		return fmt.Errorf("ble.split_write_num must be > 0, got %d", b.SplitWriteNum)
	}
	if b.SplitWriteIntervalMs < 0 {
		return fmt.Errorf("ble.split_write_interval_ms must be >= 0, got %d", b.SplitWriteIntervalMs)
	}
	if b.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("ble.connect_timeout_ms must be > 0, got %d", b.ConnectTimeoutMs)
	}
	if b.OperateTimeoutMs <= 0 {
		return fmt.Errorf("ble.operate_timeout_ms must be > 0, got %d", b.OperateTimeoutMs)
	}
	if b.MaxConnections <= 0 {
		return fmt.Errorf("ble.max_connections must be > 0, got %d", b.MaxConnections)
	}

	if c.Scan.TimeoutMs <= 0 {
		return fmt.Errorf("scan.timeout_ms must be > 0, got %d", c.Scan.TimeoutMs)
	}
	for _, s := range c.Scan.ServiceUUIDs {
		if _, err := ble.NormalizeUUID(s); err != nil {
			return fmt.Errorf("scan.service_uuids: %w", err)
		}
	}

	return nil
}

// Options converts the ble section into engine options.
func (c *Config) Options() ble.Options {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return ble.Options{
		ReconnectCount:     c.BLE.ReconnectCount,
		ReconnectInterval:  ms(c.BLE.ReconnectIntervalMs),
		SplitWriteNum:      c.BLE.SplitWriteNum,
		SplitWriteInterval: ms(c.BLE.SplitWriteIntervalMs),
		ConnectTimeout:     ms(c.BLE.ConnectTimeoutMs),
		OperationTimeout:   ms(c.BLE.OperateTimeoutMs),
		MaxConnections:     c.BLE.MaxConnections,
		ScanTimeout:        ms(c.Scan.TimeoutMs),
	}
}

// ScanFilter converts the scan section into a scan configuration.
func (c *Config) ScanFilter() ble.ScanConfig {
	return ble.ScanConfig{
		ServiceUUIDs: append([]string(nil), c.Scan.ServiceUUIDs...),
		Names:        append([]string(nil), c.Scan.Names...),
		FuzzyName:    c.Scan.FuzzyName,
		Address:      c.Scan.Address,
		Timeout:      time.Duration(c.Scan.TimeoutMs) * time.Millisecond,
		AutoConnect:  c.Scan.AutoConnect,
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
