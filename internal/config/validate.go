package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation limits.
const (
	minWatchdogPoll   = 1 * time.Second
	minReadTimeout    = 10 * time.Millisecond
	minRelayNumber    = 1
	minRelayHold      = 10 * time.Millisecond
	maxDefaultStreets = 1
)

// validBaudRates are the line speeds the serial layer can program.
var validBaudRates = map[int]bool{
	1200:   true,
	2400:   true,
	4800:   true,
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so
// operators see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Community == "" {
		errs = append(errs, errors.New("community: must not be empty"))
	}

	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateMirror(&cfg.Mirror)...)
	errs = append(errs, validateReader(&cfg.Reader)...)
	errs = append(errs, validateRelay(&cfg.Relay)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateSites(cfg.Sites)...)

	return errors.Join(errs...)
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	switch {
	case a.BaseURL == "":
		errs = append(errs, errors.New("api.base_url: must not be empty"))
	default:
		u, err := url.Parse(a.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("api.base_url: invalid URL %q: %w", a.BaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("api.base_url: scheme must be http or https, got %q", a.BaseURL))
		}
	}

	if a.Key == "" {
		errs = append(errs, fmt.Errorf("api.key: must not be empty (set in config or %s)", EnvAPIKey))
	}

	return errs
}

func validateMirror(m *MirrorConfig) []error {
	var errs []error

	if m.DBPath == "" {
		errs = append(errs, errors.New("mirror.db_path: must not be empty"))
	}

	poll, pollErrs := parseDurationMin("mirror.watchdog_poll", m.WatchdogPoll, minWatchdogPoll)
	errs = append(errs, pollErrs...)

	stale, staleErrs := parseDurationMin("mirror.watchdog_stale_after", m.WatchdogStaleAfter, minWatchdogPoll)
	errs = append(errs, staleErrs...)

	// A threshold below the poll interval would flag staleness on the very
	// first tick after a quiet minute.
	if len(pollErrs) == 0 && len(staleErrs) == 0 && stale < poll {
		errs = append(errs, fmt.Errorf(
			"mirror.watchdog_stale_after: must be >= mirror.watchdog_poll (%s), got %s", poll, stale))
	}

	return errs
}

func validateReader(r *ReaderConfig) []error {
	var errs []error

	if r.Device == "" {
		errs = append(errs, errors.New("reader.device: must not be empty"))
	}

	if !validBaudRates[r.Baud] {
		errs = append(errs, fmt.Errorf("reader.baud: unsupported baud rate %d", r.Baud))
	}

	_, timeoutErrs := parseDurationMin("reader.read_timeout", r.ReadTimeout, minReadTimeout)
	errs = append(errs, timeoutErrs...)

	return errs
}

func validateRelay(r *RelayConfig) []error {
	var errs []error

	if r.Tool == "" {
		errs = append(errs, errors.New("relay.tool: must not be empty"))
	}

	if r.BoardSerial == "" {
		errs = append(errs, errors.New("relay.board_serial: must not be empty"))
	}

	if r.BoardModel == "" {
		errs = append(errs, errors.New("relay.board_model: must not be empty"))
	}

	_, holdErrs := parseDurationMin("relay.hold", r.Hold, minRelayHold)
	errs = append(errs, holdErrs...)

	_, pairingErrs := parseDurationMin("relay.pairing_hold", r.PairingHold, minRelayHold)
	errs = append(errs, pairingErrs...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

func validateSites(sites []SiteConfig) []error {
	var errs []error

	if len(sites) == 0 {
		errs = append(errs, errors.New("site: at least one [[site]] must be configured"))
	}

	seen := make(map[string]bool, len(sites))
	defaults := 0

	for i := range sites {
		street := sites[i].Street
		if street == "" {
			errs = append(errs, fmt.Errorf("site[%d].street: must not be empty", i))

			continue
		}

		if seen[street] {
			errs = append(errs, fmt.Errorf("site[%d].street: duplicate street %q", i, street))
		}

		seen[street] = true

		if sites[i].Relay < minRelayNumber {
			errs = append(errs, fmt.Errorf("site[%d].relay: must be >= %d, got %d",
				i, minRelayNumber, sites[i].Relay))
		}

		if sites[i].Default {
			defaults++
		}
	}

	if defaults > maxDefaultStreets {
		errs = append(errs, fmt.Errorf("site: at most %d site may be marked default, got %d",
			maxDefaultStreets, defaults))
	}

	return errs
}

// parseDurationMin checks that a duration string is valid and meets a
// minimum, returning the parsed value for cross-field checks.
func parseDurationMin(field, value string, minimum time.Duration) (time.Duration, []error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return d, []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return d, nil
}
