package config

// Default values for configuration options. These are layer 0 of the
// four-layer override chain. Everything a site must decide (community, API
// credentials, sites) has no default and is caught by Validate.
const (
	defaultDevice             = "/dev/ttyUSB0"
	defaultBaud               = 9600
	defaultReadTimeout        = "100ms"
	defaultWatchdogPoll       = "60s"
	defaultWatchdogStaleAfter = "300s"
	defaultRelayHold          = "500ms"
	defaultPairingHold        = "10s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding (unset fields retain defaults)
// and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Mirror: MirrorConfig{
			DBPath:             DefaultDBPath(),
			WatchdogPoll:       defaultWatchdogPoll,
			WatchdogStaleAfter: defaultWatchdogStaleAfter,
		},
		Reader: ReaderConfig{
			Device:      defaultDevice,
			Baud:        defaultBaud,
			ReadTimeout: defaultReadTimeout,
		},
		Relay: RelayConfig{
			Hold:        defaultRelayHold,
			PairingHold: defaultPairingHold,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
