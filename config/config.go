package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerlink/protocol"
)

const (
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"

	DefaultUDPPort        = 1716
	DefaultTCPPortMin     = 1716
	DefaultTCPPortMax     = 1764
	DefaultPayloadPortMin = 1739
	DefaultPayloadPortMax = 1764
	DefaultProbeInterval  = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	radioAddrLen = 12
)

// DeviceConfig is the persisted local device configuration.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`

	UDPPort            int      `json:"udp_port"`
	TCPPortMin         int      `json:"tcp_port_min"`
	TCPPortMax         int      `json:"tcp_port_max"`
	PayloadPortMin     int      `json:"payload_port_min"`
	PayloadPortMax     int      `json:"payload_port_max"`
	BroadcastAddresses []string `json:"broadcast_addresses"`
	CustomAddresses    []string `json:"custom_addresses"`
	EnableMDNS         bool     `json:"enable_mdns"`

	EnableRadio        bool   `json:"enable_radio"`
	RadioAddress       string `json:"radio_address"`
	RadioSocketDir     string `json:"radio_socket_dir"`
	RadioProbeInterval string `json:"radio_probe_interval"`

	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`

	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	MetricsAddress string `json:"metrics_address"`
}

// ProbeInterval parses RadioProbeInterval, falling back to the default.
func (c *DeviceConfig) ProbeInterval() time.Duration {
	d, err := time.ParseDuration(c.RadioProbeInterval)
	if err != nil || d <= 0 {
		return DefaultProbeInterval
	}
	return d
}

// Identity returns the local identity announced to peers.
func (c *DeviceConfig) Identity(incoming, outgoing []string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             c.DeviceID,
		DeviceName:           protocol.SanitizeDeviceName(c.DeviceName),
		DeviceType:           protocol.ParseDeviceType(c.DeviceType),
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: incoming,
		OutgoingCapabilities: outgoing,
	}
}

// Paths locates everything kept under one data directory.
type Paths struct {
	DataDir string
	Config  string
	Keys    string
	Radio   string
}

// PathsFor lays out dataDir.
func PathsFor(dataDir string) Paths {
	return Paths{
		DataDir: dataDir,
		Config:  filepath.Join(dataDir, "config.json"),
		Keys:    filepath.Join(dataDir, "keys"),
		Radio:   filepath.Join(dataDir, "radio"),
	}
}

// DefaultDataDir is $PEERLINK_DATA_DIR, or peerlink under the user config directory.
func DefaultDataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(DataDirEnv)); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config directory: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// Load reads a config file as is, without filling defaults.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &DeviceConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save replaces path atomically so a crash never leaves a truncated file.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: save: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("config: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}

// LoadOrCreate loads the config under dataDir, or under DefaultDataDir when
// dataDir is empty. Missing settings are filled in and written back.
func LoadOrCreate(dataDir string) (*DeviceConfig, Paths, error) {
	if dataDir == "" {
		var err error
		if dataDir, err = DefaultDataDir(); err != nil {
			return nil, Paths{}, err
		}
	}
	paths := PathsFor(dataDir)
	for _, dir := range []string{paths.DataDir, paths.Keys} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, Paths{}, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}

	cfg, err := Load(paths.Config)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &DeviceConfig{EnableMDNS: true}
	case err != nil:
		return nil, Paths{}, err
	}

	if normalizeDefaults(cfg, paths) {
		if err := Save(paths.Config, cfg); err != nil {
			return nil, Paths{}, err
		}
	}
	return cfg, paths, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil {
		if name := protocol.SanitizeDeviceName(host); name != "" {
			return name
		}
	}
	return "peerlink device"
}

// newDeviceID returns a random uuid with dashes replaced by underscores.
func newDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "_")
}

// normalizeDefaults fills unset or invalid fields and reports whether any changed.
func normalizeDefaults(cfg *DeviceConfig, paths Paths) bool {
	updated := false

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 || *field > 65535 {
			*field = value
			updated = true
		}
	}

	if !protocol.ValidDeviceID(cfg.DeviceID) {
		cfg.DeviceID = newDeviceID()
		updated = true
	}
	setString(&cfg.DeviceName, defaultDeviceName())
	if normalized := string(protocol.ParseDeviceType(cfg.DeviceType)); cfg.DeviceType != normalized {
		cfg.DeviceType = normalized
		updated = true
	}

	setInt(&cfg.UDPPort, DefaultUDPPort)
	setInt(&cfg.TCPPortMin, DefaultTCPPortMin)
	setInt(&cfg.TCPPortMax, DefaultTCPPortMax)
	setInt(&cfg.PayloadPortMin, DefaultPayloadPortMin)
	setInt(&cfg.PayloadPortMax, DefaultPayloadPortMax)
	if cfg.TCPPortMax < cfg.TCPPortMin {
		cfg.TCPPortMax = cfg.TCPPortMin
		updated = true
	}
	if cfg.PayloadPortMax < cfg.PayloadPortMin {
		cfg.PayloadPortMax = cfg.PayloadPortMin
		updated = true
	}

	setString(&cfg.RadioAddress, radioAddress(cfg.DeviceID))
	setString(&cfg.RadioSocketDir, paths.Radio)
	if _, err := time.ParseDuration(cfg.RadioProbeInterval); err != nil {
		cfg.RadioProbeInterval = DefaultProbeInterval.String()
		updated = true
	}

	setString(&cfg.CertificatePath, filepath.Join(paths.Keys, "certificate.pem"))
	setString(&cfg.PrivateKeyPath, filepath.Join(paths.Keys, "private_key.pem"))

	setString(&cfg.LogLevel, DefaultLogLevel)
	setString(&cfg.LogFormat, DefaultLogFormat)

	return updated
}

func radioAddress(deviceID string) string {
	address := strings.NewReplacer("-", "", "_", "").Replace(deviceID)
	if len(address) > radioAddrLen {
		address = address[:radioAddrLen]
	}
	return address
}
