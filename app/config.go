package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zerodha/rdp-stream-client/instruments"
)

// ErrInvalidConfig is wrapped by every argument validation failure.
var ErrInvalidConfig = errors.New("invalid arguments")

// ErrLogFile is returned when console output cannot be redirected to the log file.
var ErrLogFile = errors.New("could not redirect console")

// Mode is the kind of platform the client connects to.
type Mode string

// Connection modes
const (
	ModePlatform Mode = "Platform" // hosted platform, OAuth2 password grant
	ModeDeployed Mode = "Deployed" // deployed server, DACS user name
	ModeDesktop  Mode = "Desktop"  // local desktop application proxy

	DefaultStatsTime = 5 * time.Second
)

// Config holds the parsed command line.
type Config struct {
	Service  string
	Host     string
	AppKey   string
	User     string
	Password string

	Items      string // comma-separated identifiers
	RICFile    string // one identifier per line
	ExtRICFile string // domain|identifier per line
	Fields     string // comma-separated view
	Domain     string

	Snapshot   bool
	Dump       bool
	AutoExit   bool
	ShowStatus bool
	Debug      bool

	LogFile      string
	ExitTime     time.Duration // zero runs until interrupted
	StatsTime    time.Duration
	SettingsFile string
	RecordPath   string

	// Set by Validate and LoadConfig.
	Mode        Mode
	Instruments instruments.List
	View        []string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the flags that need no file access and sets Mode.
func (c *Config) Validate() error {
	if c.AppKey == "" {
		return invalid("AppKey required for all session types")
	}

	switch {
	case c.Password != "":
		if c.User == "" {
			return invalid("for a platform session, password, user name and AppKey are required")
		}
		c.Mode = ModePlatform
	case c.Host != "":
		if c.User == "" {
			return invalid("for a deployed session, host, DACS user name and AppKey are required")
		}
		c.Mode = ModeDeployed
	default:
		c.Mode = ModeDesktop
	}

	sources := 0
	for _, s := range []string{c.Items, c.RICFile, c.ExtRICFile} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources > 1:
		return invalid("only one instrument list allowed; --items, --ric-file or --ext-ric-file")
	case sources == 0:
		return invalid("specify instruments with one of --items, --ric-file or --ext-ric-file")
	}

	if c.ExitTime < 0 {
		return invalid("exit time must not be negative")
	}
	if c.StatsTime <= 0 {
		return invalid("stats interval must be positive")
	}

	if c.Domain != "" && instruments.IsNumeric(c.Domain) {
		return invalid("only name based domains allowed, e.g. MarketByPrice, MarketByOrder")
	}
	return nil
}

// ClampStatsTime shortens the stats interval to the run time when the run is shorter.
func (c *Config) ClampStatsTime() {
	if c.ExitTime > 0 && c.StatsTime > c.ExitTime {
		c.StatsTime = c.ExitTime
	}
}

// loadInstruments reads the configured instrument source.
func (c *Config) loadInstruments() (instruments.List, error) {
	switch {
	case c.Items != "":
		return instruments.ParseInline(c.Items), nil
	case c.RICFile != "":
		return instruments.LoadSimpleFile(c.RICFile)
	default:
		return instruments.LoadDomainFile(c.ExtRICFile)
	}
}

// parseView splits the comma-separated field list.
func parseView(fields string) []string {
	if fields == "" {
		return nil
	}
	var view []string
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			view = append(view, f)
		}
	}
	return view
}
