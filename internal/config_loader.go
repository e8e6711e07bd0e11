package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-version"
	"github.com/imdario/mergo"
)

const (
	srtpKeyLen  = 16
	srtpSaltLen = 14
)

// LoadConfig reads the file, fills defaults and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := mergo.Merge(&newConfig, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	newConfig.LastUpdated = time.Now()

	if err := ValidateConfig(&newConfig); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &newConfig, nil
}

// ValidateConfig checks a complete configuration and normalizes the device
// version.
func ValidateConfig(cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = ConfigVersion
	}

	if err := validatePort("hello", cfg.Transport.HelloPort, false); err != nil {
		return err
	}
	if err := validatePort("data", cfg.Transport.DataPort, true); err != nil {
		return err
	}
	if len(cfg.Transport.BroadcastAddresses) == 0 {
		return fmt.Errorf("no broadcast address configured")
	}
	if b := cfg.Transport.ReceiveBufferSize; b != 0 && (b < MinReceiveBuffer || b > MaxReceiveBuffer) {
		return fmt.Errorf("invalid receive buffer size: %d", b)
	}

	if cfg.Session.ConnectionTimeoutMs <= 0 {
		return fmt.Errorf("invalid connection timeout: %dms", cfg.Session.ConnectionTimeoutMs)
	}
	if cfg.Session.BroadcastIntervalMs <= 0 {
		return fmt.Errorf("invalid broadcast interval: %dms", cfg.Session.BroadcastIntervalMs)
	}
	if cfg.Session.TimeSyncIntervalMs <= 0 {
		return fmt.Errorf("invalid time sync interval: %dms", cfg.Session.TimeSyncIntervalMs)
	}
	if cfg.Session.EventBuffer <= 0 || cfg.Session.SinkWorkers <= 0 || cfg.Session.SinkQueueSize <= 0 {
		return fmt.Errorf("event buffer, sink workers and sink queue must be positive")
	}

	if err := validateDevice(&cfg.Device); err != nil {
		return err
	}

	if cfg.Egress.Enabled {
		if len(cfg.Egress.Destinations) == 0 {
			return fmt.Errorf("egress enabled but no destination specified")
		}
		if cfg.Egress.PayloadType < 96 || cfg.Egress.PayloadType > 127 {
			return fmt.Errorf("invalid dynamic payload type: %d", cfg.Egress.PayloadType)
		}
		if cfg.Egress.MTU < 200 || cfg.Egress.MTU > MaxUDPPacketSize {
			return fmt.Errorf("invalid egress MTU: %d", cfg.Egress.MTU)
		}
		if cfg.Egress.SRTP.Enabled {
			if _, _, err := DecodeSRTPKeys(cfg.Egress.SRTP); err != nil {
				return err
			}
		}
	}

	if cfg.Preview.Enabled && cfg.Preview.MaxViewers <= 0 {
		return fmt.Errorf("invalid preview viewer limit: %d", cfg.Preview.MaxViewers)
	}

	if cfg.Database.MySQLEnabled {
		if cfg.Database.MySQLDSN == "" {
			return fmt.Errorf("MySQL enabled but DSN not specified")
		}
		if _, err := mysql.ParseDSN(cfg.Database.MySQLDSN); err != nil {
			return fmt.Errorf("invalid MySQL DSN: %w", err)
		}
	}
	if cfg.Database.RedisEnabled && cfg.Database.RedisAddr == "" {
		return fmt.Errorf("Redis enabled but address not specified")
	}

	if cfg.Capture.Enabled && cfg.Capture.Path == "" {
		return fmt.Errorf("capture enabled but path not specified")
	}

	return nil
}

func validatePort(name string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s port: %d", name, port)
	}
	return nil
}

func validateDevice(d *DeviceConfig) error {
	v, err := version.NewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("invalid client version %q: %w", d.Version, err)
	}
	minimum := version.Must(version.NewVersion(MinClientVersion))
	if v.LessThan(minimum) {
		return fmt.Errorf("client version %s is older than %s", v, minimum)
	}
	d.Version = v.String()

	if d.RefreshRate <= 0 || d.RefreshRate > 255 {
		return fmt.Errorf("invalid refresh rate: %d", d.RefreshRate)
	}
	if d.RenderWidth <= 0 || d.RenderHeight <= 0 {
		return fmt.Errorf("invalid render size: %dx%d", d.RenderWidth, d.RenderHeight)
	}
	if len(d.EyeFov) != 2 {
		return fmt.Errorf("expected two eye fov entries, got %d", len(d.EyeFov))
	}
	return nil
}

// DecodeSRTPKeys decodes and size-checks the base64 master key and salt.
func DecodeSRTPKeys(cfg SRTPConfig) (key, salt []byte, err error) {
	key, err = base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid SRTP key: %w", err)
	}
	salt, err = base64.StdEncoding.DecodeString(cfg.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid SRTP salt: %w", err)
	}
	if len(key) != srtpKeyLen {
		return nil, nil, fmt.Errorf("SRTP key must be %d bytes, got %d", srtpKeyLen, len(key))
	}
	if len(salt) != srtpSaltLen {
		return nil, nil, fmt.Errorf("SRTP salt must be %d bytes, got %d", srtpSaltLen, len(salt))
	}
	return key, salt, nil
}

// SaveConfig writes cfg to filePath atomically.
func SaveConfig(filePath string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// ConfigWatcher reloads the file when its modification time changes.
type ConfigWatcher struct {
	path     string
	interval time.Duration
	apply    func(*Config) error
	lastMod  time.Time
	logger   logr.Logger
}

// NewConfigWatcher creates a watcher. apply receives every valid reload.
func NewConfigWatcher(path string, interval time.Duration, apply func(*Config) error) *ConfigWatcher {
	w := &ConfigWatcher{
		path:     path,
		interval: interval,
		apply:    apply,
		logger:   NewLogger("config"),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Run polls until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads once if the file changed. It reports whether a new
// configuration was applied.
func (w *ConfigWatcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Error(err, "error checking config file")
		return false
	}
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()

	w.logger.Info("configuration file changed, reloading")
	newConfig, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error(err, "failed to reload config")
		return false
	}
	if err := w.apply(newConfig); err != nil {
		w.logger.Error(err, "failed to apply new config")
		return false
	}
	w.logger.Info("configuration updated")
	return true
}
