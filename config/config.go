package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
	"peerdrop/network"
	"peerdrop/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERDROP_DATA_DIR"

	DefaultReadyTimeoutMS       = 3000
	DefaultMetadataRetries      = 3
	DefaultMetadataRetryDelayMS = 200
	DefaultSettleDelayMS        = 500
	DefaultLogLevel             = "info"

	// DefaultSecurityEventRetentionDays matches the store's built-in window.
	DefaultSecurityEventRetentionDays = 90

	LogFormatText = "text"
	LogFormatJSON = "json"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultICEServers is used for WebRTC transports when none are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Config contains persistent local settings.
type Config struct {
	DeviceName    string `json:"device_name"`
	Transport     string `json:"transport"`
	ListeningPort int    `json:"listening_port"`
	DownloadDir   string `json:"download_dir"`
	CipherSuite   string `json:"cipher_suite"`

	ReadyTimeoutMS       int    `json:"ready_timeout_ms"`
	MetadataRetries      int    `json:"metadata_retries"`
	MetadataRetryDelayMS int    `json:"metadata_retry_delay_ms"`
	SettleDelayMS        int    `json:"settle_delay_ms"`
	DecryptPolicy        string `json:"decrypt_policy"`

	ICEServers []string `json:"ice_servers"`
	LogLevel   string   `json:"log_level"`
	LogFormat  string   `json:"log_format"`

	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path, and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	switch c.Transport {
	case network.TransportTCP, network.TransportWebRTC:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening port %d out of range", c.ListeningPort)
	}
	if _, err := crypto.ParseSuite(c.CipherSuite); err != nil {
		return err
	}
	if _, err := transfer.ParseDecryptPolicy(c.DecryptPolicy); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.SecurityEventRetentionDays <= 0 {
		return fmt.Errorf("security event retention must be at least one day, got %d", c.SecurityEventRetentionDays)
	}
	return nil
}

// TransferOptions maps the persisted settings onto session options.
func (c *Config) TransferOptions() (transfer.Options, error) {
	suite, err := crypto.ParseSuite(c.CipherSuite)
	if err != nil {
		return transfer.Options{}, err
	}
	policy, err := transfer.ParseDecryptPolicy(c.DecryptPolicy)
	if err != nil {
		return transfer.Options{}, err
	}

	return transfer.Options{
		Suite:              suite,
		ReadyTimeout:       millis(c.ReadyTimeoutMS),
		MetadataRetries:    c.MetadataRetries,
		MetadataRetryDelay: millis(c.MetadataRetryDelayMS),
		SettleDelay:        millis(c.SettleDelayMS),
		DecryptPolicy:      policy,
	}, nil
}

// ConfigureLogger applies the configured level and format.
func (c *Config) ConfigureLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)

	switch c.LogFormat {
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// SecurityEventRetention returns how long recorded security events are kept.
func (c *Config) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "PeerDrop Device"
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		DeviceName:           defaultDeviceName(),
		Transport:            network.TransportTCP,
		ListeningPort:        0,
		DownloadDir:          filepath.Join(dataDir, "downloads"),
		CipherSuite:          string(crypto.DefaultSuite),
		ReadyTimeoutMS:       DefaultReadyTimeoutMS,
		MetadataRetries:      DefaultMetadataRetries,
		MetadataRetryDelayMS: DefaultMetadataRetryDelayMS,
		SettleDelayMS:        DefaultSettleDelayMS,
		DecryptPolicy:        string(transfer.DecryptBestEffort),
		ICEServers:           append([]string(nil), DefaultICEServers...),
		LogLevel:             DefaultLogLevel,
		LogFormat:            LogFormatText,

		SecurityEventRetentionDays: DefaultSecurityEventRetentionDays,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if transport != network.TransportTCP && transport != network.TransportWebRTC {
		transport = network.TransportTCP
	}
	if cfg.Transport != transport {
		cfg.Transport = transport
		updated = true
	}

	if cfg.ListeningPort < 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if suite, err := crypto.ParseSuite(cfg.CipherSuite); err != nil || string(suite) != cfg.CipherSuite {
		cfg.CipherSuite = string(crypto.DefaultSuite)
		if err == nil {
			cfg.CipherSuite = string(suite)
		}
		updated = true
	}

	if cfg.ReadyTimeoutMS <= 0 {
		cfg.ReadyTimeoutMS = DefaultReadyTimeoutMS
		updated = true
	}
	if cfg.MetadataRetries <= 0 {
		cfg.MetadataRetries = DefaultMetadataRetries
		updated = true
	}
	if cfg.MetadataRetryDelayMS <= 0 {
		cfg.MetadataRetryDelayMS = DefaultMetadataRetryDelayMS
		updated = true
	}
	if cfg.SettleDelayMS < 0 {
		cfg.SettleDelayMS = DefaultSettleDelayMS
		updated = true
	}

	if policy, err := transfer.ParseDecryptPolicy(cfg.DecryptPolicy); err != nil || string(policy) != cfg.DecryptPolicy {
		cfg.DecryptPolicy = string(transfer.DecryptBestEffort)
		if err == nil {
			cfg.DecryptPolicy = string(policy)
		}
		updated = true
	}

	if cfg.ICEServers == nil {
		cfg.ICEServers = append([]string(nil), DefaultICEServers...)
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat != LogFormatText && cfg.LogFormat != LogFormatJSON {
		cfg.LogFormat = LogFormatText
		updated = true
	}
	if cfg.SecurityEventRetentionDays <= 0 {
		cfg.SecurityEventRetentionDays = DefaultSecurityEventRetentionDays
		updated = true
	}

	return updated
}
