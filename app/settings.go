package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zerodha/rdp-stream-client/stream"
)

// Settings are endpoint and pacing options read from an optional YAML file.
type Settings struct {
	TokenURL      string        `yaml:"token_url"`
	DiscoveryURL  string        `yaml:"discovery_url"`
	StreamingURL  string        `yaml:"streaming_url"` // skips service discovery when set
	Location      string        `yaml:"location"`
	DesktopURL    string        `yaml:"desktop_url"`
	ApplicationID string        `yaml:"application_id"`
	Position      string        `yaml:"position"`
	LoginTimeout  time.Duration `yaml:"login_timeout"`
	RequestRate   float64       `yaml:"request_rate"` // item requests per second, 0 = unlimited
	RequestBurst  int           `yaml:"request_burst"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	return Settings{
		TokenURL:      stream.DefaultTokenURL,
		DiscoveryURL:  stream.DefaultDiscoveryURL,
		DesktopURL:    stream.DefaultDesktopURL,
		ApplicationID: stream.DefaultApplicationID,
		LoginTimeout:  stream.DefaultLoginTimeout,
	}
}

// LoadSettings reads path over the defaults. An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings from YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("settings validation failed: %w", err)
	}
	return s, nil
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	if s.RequestRate < 0 {
		return fmt.Errorf("request_rate cannot be negative")
	}
	if s.RequestBurst < 0 {
		return fmt.Errorf("request_burst cannot be negative")
	}
	if s.LoginTimeout < 0 {
		return fmt.Errorf("login_timeout cannot be negative")
	}
	return nil
}
