package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// rawConfig mirrors Config but keeps every field optional so version
// defaulting and migrations can be applied before typed values are derived.
type rawConfig struct {
	Version int `yaml:"version"`
	Network struct {
		ListenAddresses []string `yaml:"listen_addresses"`
		WatchPeers      []string `yaml:"watch_peers"`
	} `yaml:"network"`
	Relay struct {
		Addresses           []string `yaml:"addresses"`
		ReservationInterval string   `yaml:"reservation_interval"`
		EnablePeerRelay     bool     `yaml:"enable_peer_relay"`
	} `yaml:"relay"`
	DCUtR struct {
		MaxAttempts   int    `yaml:"max_attempts"`
		StreamTimeout string `yaml:"stream_timeout"`
	} `yaml:"dcutr"`
}

// Load reads and parses the configuration file at path. It rejects files
// that are readable by group or other on POSIX systems, defaults an absent
// version field to 1, and rejects a version newer than this binary supports.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigInvalid, err)
	}

	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	cfg := &Config{
		Version: version,
		Network: NetworkConfig{
			ListenAddresses: raw.Network.ListenAddresses,
			WatchPeers:      raw.Network.WatchPeers,
		},
		Relay: RelayConfig{
			Addresses:       raw.Relay.Addresses,
			EnablePeerRelay: raw.Relay.EnablePeerRelay,
		},
		DCUtR: DCUtRConfig{
			MaxAttempts: raw.DCUtR.MaxAttempts,
		},
	}

	if raw.Relay.ReservationInterval != "" {
		d, err := parseDuration(raw.Relay.ReservationInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: relay.reservation_interval: %s", ErrConfigInvalid, err)
		}
		cfg.Relay.ReservationInterval = d
	}
	if raw.DCUtR.StreamTimeout != "" {
		d, err := parseDuration(raw.DCUtR.StreamTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: dcutr.stream_timeout: %s", ErrConfigInvalid, err)
		}
		cfg.DCUtR.StreamTimeout = d
	}

	return cfg, nil
}

// checkConfigFilePermissions skips the check on Windows and enforces
// owner-only read/write permissions elsewhere, matching the expectation
// that these files may carry relay addresses and peer routing hints.
func checkConfigFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("stat config: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s must not be readable by group or other (chmod 0600)", ErrConfigPermissions, path)
	}
	return nil
}
