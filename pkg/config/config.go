// Package config loads fwpush settings from an optional YAML file and
// overlays command-line flags on top. Defaults target a stock
// LibreMesh/OpenWrt device reachable on its management address.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// PinnedHelperSHA256 is the known-latest hash of the device-side
// safe-upgrade helper. It is a hand-maintained constant: bump it when
// the upstream helper changes. A config file override tracks upstream
// without a rebuild.
const PinnedHelperSHA256 = "8c1b4e2a9f0d3c5b7a6e8d1f2c4b6a8e0d2f4c6b8a0e2d4f6c8b0a2e4d6f8c1b"

// DefaultHelperURL is where the pinned helper is fetched from when the
// device copy is stale.
const DefaultHelperURL = "https://raw.githubusercontent.com/libremesh/safe-upgrade/master/safe-upgrade"

// Config is the top-level configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Transfer TransferConfig `yaml:"transfer"`
	Upgrade  UpgradeConfig  `yaml:"upgrade"`

	// CacheDir overrides the default ~/.cache/fwpush location.
	CacheDir string `yaml:"cacheDir"`
}

// DeviceConfig identifies one device and how to authenticate.
type DeviceConfig struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// WebURL is the device's HTTP plane for the push strategy. Empty
	// derives "http://<address>".
	WebURL string `yaml:"webUrl"`

	DialTimeoutSeconds    int `yaml:"dialTimeoutSeconds"`
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds"`
}

// TransferConfig tunes the delivery strategies.
type TransferConfig struct {
	ChunkSize    int  `yaml:"chunkSize"`
	BatchSize    int  `yaml:"batchSize"`
	ForceChunked bool `yaml:"forceChunked"`
}

// UpgradeConfig tunes the safe-upgrade flow.
type UpgradeConfig struct {
	HelperURL    string `yaml:"helperUrl"`
	HelperSHA256 string `yaml:"helperSha256"`
	HelperDest   string `yaml:"helperDest"`
	FirmwareDest string `yaml:"firmwareDest"`

	ConfirmWindowSeconds int  `yaml:"confirmWindowSeconds"`
	RebootPollSeconds    int  `yaml:"rebootPollSeconds"`
	RebootCeilingSeconds int  `yaml:"rebootCeilingSeconds"`
	AutoConfirm          bool `yaml:"autoConfirm"`
}

// DialTimeout returns the SSH dial timeout as a duration.
func (d DeviceConfig) DialTimeout() time.Duration {
	return time.Duration(d.DialTimeoutSeconds) * time.Second
}

// CommandTimeout returns the per-command timeout as a duration.
func (d DeviceConfig) CommandTimeout() time.Duration {
	return time.Duration(d.CommandTimeoutSeconds) * time.Second
}

// ConfirmWindow returns the confirmation window as a duration.
func (u UpgradeConfig) ConfirmWindow() time.Duration {
	return time.Duration(u.ConfirmWindowSeconds) * time.Second
}

// RebootPoll returns the reboot polling interval as a duration.
func (u UpgradeConfig) RebootPoll() time.Duration {
	return time.Duration(u.RebootPollSeconds) * time.Second
}

// RebootCeiling returns the reboot wait ceiling as a duration.
func (u UpgradeConfig) RebootCeiling() time.Duration {
	return time.Duration(u.RebootCeilingSeconds) * time.Second
}

// Load reads config from file and overrides with CLI flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	configPath, _ := flags.GetString("config")

	cfg := &Config{
		Device: DeviceConfig{
			User:                  "root",
			DialTimeoutSeconds:    10,
			CommandTimeoutSeconds: 60,
		},
		Transfer: TransferConfig{
			ChunkSize: 512,
			BatchSize: 5,
		},
		Upgrade: UpgradeConfig{
			HelperURL:            DefaultHelperURL,
			HelperSHA256:         PinnedHelperSHA256,
			HelperDest:           "/usr/sbin/safe-upgrade",
			FirmwareDest:         "/tmp/firmware.bin",
			ConfirmWindowSeconds: 1200,
			RebootPollSeconds:    5,
			RebootCeilingSeconds: 300,
		},
	}

	// A missing file is fine (defaults apply); any other read failure
	// on a named path must surface instead of silently losing it.
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	// CLI flags override file values when explicitly set
	if flags.Changed("user") {
		cfg.Device.User, _ = flags.GetString("user")
	}
	if flags.Changed("password") {
		cfg.Device.Password, _ = flags.GetString("password")
	}
	if flags.Changed("web-url") {
		cfg.Device.WebURL, _ = flags.GetString("web-url")
	}
	if flags.Changed("chunk-size") {
		cfg.Transfer.ChunkSize, _ = flags.GetInt("chunk-size")
	}
	if flags.Changed("batch-size") {
		cfg.Transfer.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("force-chunked") {
		cfg.Transfer.ForceChunked, _ = flags.GetBool("force-chunked")
	}
	if flags.Changed("helper-url") {
		cfg.Upgrade.HelperURL, _ = flags.GetString("helper-url")
	}
	if flags.Changed("helper-sha256") {
		cfg.Upgrade.HelperSHA256, _ = flags.GetString("helper-sha256")
	}
	if flags.Changed("confirm-window") {
		cfg.Upgrade.ConfirmWindowSeconds, _ = flags.GetInt("confirm-window")
	}
	if flags.Changed("auto-confirm") {
		cfg.Upgrade.AutoConfirm, _ = flags.GetBool("auto-confirm")
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir, _ = flags.GetString("cache-dir")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Transfer.BatchSize)
	}
	if len(c.Upgrade.HelperSHA256) != 64 {
		return fmt.Errorf("helper sha256 must be 64 hex characters, got %d", len(c.Upgrade.HelperSHA256))
	}
	if c.Upgrade.ConfirmWindowSeconds <= 0 {
		return fmt.Errorf("confirm window must be positive, got %d", c.Upgrade.ConfirmWindowSeconds)
	}
	return nil
}
