// Package config provides configuration management for the tempoplan client.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including backend endpoints,
// the local state directory, session timing, and the popup callback server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// APIBaseURL is the base URL of the calendar-assistant backend API.
	APIBaseURL string `yaml:"api-base-url"`

	// CalendarBaseURL is the base URL for the calendar auth routes, which the
	// backend serves at root level rather than under the API prefix.
	CalendarBaseURL string `yaml:"calendar-base-url"`

	// StateDir is the directory where the persisted auth cache is stored.
	StateDir string `yaml:"state-dir"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// CallbackPort is the local port the popup auth flow listens on for the
	// consent page's completion message.
	CallbackPort int `yaml:"callback-port"`

	// AllowedOrigins lists the origins accepted on the popup message channel,
	// in addition to the client's own callback origin.
	AllowedOrigins []string `yaml:"allowed-origins"`

	// CheckIntervalMS is the freshness window for cached auth checks, in
	// milliseconds. A server check newer than this is trusted without I/O.
	CheckIntervalMS int `yaml:"check-interval-ms"`

	// InactivityTimeoutMin ends the session after this many minutes without
	// observed user activity.
	InactivityTimeoutMin int `yaml:"inactivity-timeout-min"`

	// WarningTimeMin is how many minutes before the inactivity timeout the
	// warning callback fires.
	WarningTimeMin int `yaml:"warning-time-min"`

	// ActivityCheckIntervalSec is how often the inactivity monitor evaluates
	// idle time, in seconds.
	ActivityCheckIntervalSec int `yaml:"activity-check-interval-sec"`

	// RefreshSkewMin is how many minutes before token expiry a refresh is
	// considered due.
	RefreshSkewMin int `yaml:"refresh-skew-min"`
}

// Defaults mirror the backend's deployment values and are applied for any
// field left zero in the YAML file.
const (
	DefaultAPIBaseURL           = "http://localhost:3000/api"
	DefaultStateDir             = "~/.tempoplan"
	DefaultCalendarBaseURL      = "http://localhost:3000/calendar"
	DefaultCallbackPort         = 53682
	DefaultCheckIntervalMS      = 5000
	DefaultInactivityTimeoutMin = 30
	DefaultWarningTimeMin       = 5
	DefaultActivityCheckIntSec  = 60
	DefaultRefreshSkewMin       = 5
)

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills any zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.CalendarBaseURL == "" {
		c.CalendarBaseURL = DefaultCalendarBaseURL
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.CallbackPort == 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.CheckIntervalMS == 0 {
		c.CheckIntervalMS = DefaultCheckIntervalMS
	}
	if c.InactivityTimeoutMin == 0 {
		c.InactivityTimeoutMin = DefaultInactivityTimeoutMin
	}
	if c.WarningTimeMin == 0 {
		c.WarningTimeMin = DefaultWarningTimeMin
	}
	if c.ActivityCheckIntervalSec == 0 {
		c.ActivityCheckIntervalSec = DefaultActivityCheckIntSec
	}
	if c.RefreshSkewMin == 0 {
		c.RefreshSkewMin = DefaultRefreshSkewMin
	}
}

// CheckInterval returns the cached-check freshness window as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

// InactivityTimeout returns the inactivity timeout as a duration.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMin) * time.Minute
}

// WarningTime returns the pre-timeout warning lead as a duration.
func (c *Config) WarningTime() time.Duration {
	return time.Duration(c.WarningTimeMin) * time.Minute
}

// ActivityCheckInterval returns the idle evaluation period as a duration.
func (c *Config) ActivityCheckInterval() time.Duration {
	return time.Duration(c.ActivityCheckIntervalSec) * time.Second
}

// RefreshSkew returns the refresh lead time as a duration.
func (c *Config) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewMin) * time.Minute
}
