// Package config loads the pdautomator TOML document: PagerDuty access,
// optional Slack notifications and the ordered list of remediation actions.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/linnemanlabs/pdautomator/internal/rules"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "config.toml"

// Config is the parsed configuration document.
type Config struct {
	PagerDuty PagerDuty `toml:"pagerduty"`
	Slack     Slack     `toml:"slack"`
	Actions   []Action  `toml:"actions"`
}

// PagerDuty holds the incident service connection settings.
type PagerDuty struct {
	Org              string  `toml:"org"`
	Token            string  `toml:"token"`
	Timezone         string  `toml:"timezone"`
	TimezoneShort    string  `toml:"timezone_short"`
	FetchIntervalSec int     `toml:"fetch_interval_sec"`
	SinceDays        int     `toml:"since_days"`
	RequesterID      string  `toml:"requester_id"`
	BaseURL          string  `toml:"base_url"`
	RateLimit        float64 `toml:"rate_limit"`
	TimeoutSec       int     `toml:"timeout_sec"`
}

// Slack configures action notifications.
type Slack struct {
	WebhookURL string `toml:"webhook_url"`
}

// Action is one configured rule as it appears in the file.
type Action struct {
	Alert        string `toml:"alert"`
	Cmd          string `toml:"cmd"`
	PauseSec     int    `toml:"pause_sec"`
	Resolve      bool   `toml:"resolve"`
	ResolveCheck string `toml:"resolve_check"`
	TimeoutSec   int    `toml:"timeout_sec"`
}

// LoadResult carries the config plus non-fatal findings such as unknown keys.
type LoadResult struct {
	Config   Config
	Warnings []string
}

// ConfigError reports a configuration file that cannot be used.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// requiredKeys must be present in the [pagerduty] table.
var requiredKeys = []string{
	"org",
	"token",
	"timezone",
	"timezone_short",
	"fetch_interval_sec",
	"since_days",
	"requester_id",
}

// LoadFrom reads and validates the TOML document at path.
func LoadFrom(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("reading config file: %w", err)}
	}
	return Parse(path, string(data))
}

// Parse decodes and validates a TOML document. path is only used in errors.
func Parse(path, data string) (*LoadResult, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parsing config file: %w", err)}
	}

	result := &LoadResult{Config: c}
	for _, key := range md.Undecoded() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown config key: %q", key.String()))
	}

	var errs []error
	for _, key := range requiredKeys {
		if !md.IsDefined("pagerduty", key) {
			errs = append(errs, fmt.Errorf("pagerduty.%s is required", key))
		}
	}
	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, &ConfigError{Path: path, Err: errors.Join(errs...)}
	}

	if len(c.Actions) == 0 {
		result.Warnings = append(result.Warnings, "no [[actions]] configured, nothing will be dispatched")
	}

	return result, nil
}

func (c *Config) validate() error {
	var errs []error

	pd := c.PagerDuty
	if strings.TrimSpace(pd.Org) == "" && pd.BaseURL == "" {
		errs = append(errs, errors.New("pagerduty.org must not be empty"))
	}
	if strings.TrimSpace(pd.Token) == "" {
		errs = append(errs, errors.New("pagerduty.token must not be empty"))
	}
	if pd.FetchIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("invalid pagerduty.fetch_interval_sec %d (must be >= 0)", pd.FetchIntervalSec))
	}
	if pd.SinceDays < 0 {
		errs = append(errs, fmt.Errorf("invalid pagerduty.since_days %d (must be >= 0)", pd.SinceDays))
	}
	if pd.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid pagerduty.rate_limit %g (must be >= 0)", pd.RateLimit))
	}
	if pd.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("invalid pagerduty.timeout_sec %d (must be >= 0)", pd.TimeoutSec))
	}

	for i, a := range c.Actions {
		if a.PauseSec < 0 {
			errs = append(errs, fmt.Errorf("actions[%d]: invalid pause_sec %d (must be >= 0)", i, a.PauseSec))
		}
		if a.TimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("actions[%d]: invalid timeout_sec %d (must be >= 0)", i, a.TimeoutSec))
		}
	}

	return errors.Join(errs...)
}

// Rules converts the configured actions into rules, preserving order.
func (c *Config) Rules() []rules.Rule {
	out := make([]rules.Rule, 0, len(c.Actions))
	for _, a := range c.Actions {
		out = append(out, rules.Rule{
			Pattern:        a.Alert,
			Command:        a.Cmd,
			PauseSeconds:   a.PauseSec,
			Resolve:        a.Resolve,
			ResolveCheck:   a.ResolveCheck,
			TimeoutSeconds: a.TimeoutSec,
		})
	}
	return out
}

// FetchInterval is the watch-mode cycle period.
func (p PagerDuty) FetchInterval() time.Duration {
	return time.Duration(p.FetchIntervalSec) * time.Second
}

// Location resolves the configured timezone, falling back to the local zone
// when the name is not known to the tz database.
func (p PagerDuty) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}
