// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for edgegate. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) with
// unknown-key rejection.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Duration fields are strings ("60s", "500ms") validated by Validate;
// typed accessors parse the validated values.
type Config struct {
	Community string        `toml:"community"`
	API       APIConfig     `toml:"api"`
	Mirror    MirrorConfig  `toml:"mirror"`
	Reader    ReaderConfig  `toml:"reader"`
	Relay     RelayConfig   `toml:"relay"`
	Logging   LoggingConfig `toml:"logging"`
	Sites     []SiteConfig  `toml:"site"`
}

// APIConfig holds the remote directory service endpoint and credentials.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	Key     string `toml:"key"`
}

// MirrorConfig controls the local mirror database and the connection
// watchdog that guards the push subscriptions feeding it.
type MirrorConfig struct {
	DBPath             string `toml:"db_path"`
	WatchdogPoll       string `toml:"watchdog_poll"`
	WatchdogStaleAfter string `toml:"watchdog_stale_after"`
}

// ReaderConfig holds the credential reader's serial port options.
type ReaderConfig struct {
	Device      string `toml:"device"`
	Baud        int    `toml:"baud"`
	ReadTimeout string `toml:"read_timeout"`
}

// RelayConfig describes the external relay tool and the board it drives.
// The tool is invoked once per relay state change as
// "tool args... board_serial board_model relayNum 1|0".
type RelayConfig struct {
	Tool        string   `toml:"tool"`
	Args        []string `toml:"args"`
	BoardSerial string   `toml:"board_serial"`
	BoardModel  string   `toml:"board_model"`
	Hold        string   `toml:"hold"`
	PairingHold string   `toml:"pairing_hold"`
}

// LoggingConfig controls log output: level and handler format.
// Format "auto" picks text on a TTY and JSON otherwise.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SiteConfig is one gated street. File order is resolution priority order:
// a tag is checked against sites top to bottom and the first match wins.
// At most one site may be marked default; it is the street reported on
// denied reads and the fallback for commands without an address.
type SiteConfig struct {
	Street  string `toml:"street"`
	Relay   int    `toml:"relay"`
	Default bool   `toml:"default"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Device     *string // --device flag
	DBPath     *string // --db flag
}

// WatchdogPollInterval returns the parsed watchdog poll interval.
func (m MirrorConfig) WatchdogPollInterval() time.Duration {
	return parsedDuration(m.WatchdogPoll)
}

// WatchdogStaleAfterDuration returns the parsed staleness threshold.
func (m MirrorConfig) WatchdogStaleAfterDuration() time.Duration {
	return parsedDuration(m.WatchdogStaleAfter)
}

// ReadTimeoutDuration returns the parsed per-read serial timeout.
func (r ReaderConfig) ReadTimeoutDuration() time.Duration {
	return parsedDuration(r.ReadTimeout)
}

// HoldDuration returns the parsed open_gate relay hold.
func (r RelayConfig) HoldDuration() time.Duration {
	return parsedDuration(r.Hold)
}

// PairingHoldDuration returns the parsed pairing_mode relay hold.
func (r RelayConfig) PairingHoldDuration() time.Duration {
	return parsedDuration(r.PairingHold)
}

// Streets returns the configured streets in priority order.
func (c *Config) Streets() []string {
	streets := make([]string, 0, len(c.Sites))
	for i := range c.Sites {
		streets = append(streets, c.Sites[i].Street)
	}

	return streets
}

// RelayMap returns the street -> relay number mapping.
func (c *Config) RelayMap() map[string]int {
	relays := make(map[string]int, len(c.Sites))
	for i := range c.Sites {
		relays[c.Sites[i].Street] = c.Sites[i].Relay
	}

	return relays
}

// DefaultStreet returns the site marked default, or the last site when none
// is marked. It is the denial street and the fallback command address.
func (c *Config) DefaultStreet() string {
	for i := range c.Sites {
		if c.Sites[i].Default {
			return c.Sites[i].Street
		}
	}

	if len(c.Sites) == 0 {
		return ""
	}

	return c.Sites[len(c.Sites)-1].Street
}

// parsedDuration parses a duration string Validate has already accepted.
// Unvalidated garbage parses to zero.
func parsedDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
