package config

import "os"

// Environment variable names for overrides. The API key is the one secret
// in the configuration; supplying it through the environment keeps it out
// of the config file on shared systems.
const (
	EnvConfig = "EDGEGATE_CONFIG"
	EnvAPIKey = "EDGEGATE_API_KEY"
	EnvDevice = "EDGEGATE_DEVICE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // EDGEGATE_CONFIG: override config file path
	APIKey     string // EDGEGATE_API_KEY: directory service API key
	Device     string // EDGEGATE_DEVICE: serial device override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		APIKey:     os.Getenv(EnvAPIKey),
		Device:     os.Getenv(EnvDevice),
	}
}
