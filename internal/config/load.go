package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file on top of the defaults. Unknown
// keys are fatal errors with "did you mean?" suggestions: silently ignoring
// a typo in a gate controller's config leads to hard-to-debug behavior in
// the field. Load does not validate; required values may still arrive from
// the environment or CLI layers, so validation runs in Resolve.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
// Validation runs on the merged result.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.APIKey != "" {
		cfg.API.Key = env.APIKey
	}

	if env.Device != "" {
		cfg.Reader.Device = env.Device
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Device != nil {
		cfg.Reader.Device = *cli.Device
	}

	if cli.DBPath != nil {
		cfg.Mirror.DBPath = *cli.DBPath
	}

	// 5. Validate the final merged config
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}
