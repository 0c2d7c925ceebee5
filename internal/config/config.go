// Package config loads Overstory project configuration from overstory.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/overstory-ai/overstory/internal/workspace"
)

// Config is the root project configuration.
type Config struct {
	Watchdog WatchdogConfig `toml:"watchdog"`
	Mail     MailConfig     `toml:"mail"`
	Web      WebConfig      `toml:"web"`
}

// WatchdogConfig contains health-check thresholds and escalation pacing.
type WatchdogConfig struct {
	// Interval between ticks.
	Interval Duration `toml:"interval"`

	// StaleThreshold is the activity age at which a session is stalled.
	StaleThreshold Duration `toml:"stale_threshold"`

	// ZombieThreshold is the activity age treated as a deep stall.
	// Must be greater than StaleThreshold.
	ZombieThreshold Duration `toml:"zombie_threshold"`

	// NudgeInterval is the time between escalation ladder steps.
	NudgeInterval Duration `toml:"nudge_interval"`

	// AITriage enables the level-2 triage collaborator.
	AITriage bool `toml:"ai_triage"`

	// TriageCommand is the executable invoked for AI triage. It receives
	// the request as JSON and prints retry, terminate, or extend.
	TriageCommand string `toml:"triage_command"`
}

// MailConfig contains broker and long-poll defaults.
type MailConfig struct {
	// WaitTimeout is the default long-poll timeout.
	WaitTimeout Duration `toml:"wait_timeout"`

	// InitialPoll is the first sleep interval of the long-poll loop.
	InitialPoll Duration `toml:"initial_poll"`

	// MaxPoll caps the backoff interval.
	MaxPoll Duration `toml:"max_poll"`

	// Backoff is the poll interval multiplier. Must be >= 1.
	Backoff float64 `toml:"backoff"`

	// DebounceWindow suppresses repeat nudge delivery to an agent whose
	// inbox was checked within the window. Force-sends bypass it.
	DebounceWindow Duration `toml:"debounce_window"`

	// Groups maps a broadcast group name (without the @) to a membership
	// predicate: "all", "workers", or "capability:<name>".
	Groups map[string]string `toml:"groups,omitempty"`
}

// WebConfig contains dashboard settings.
type WebConfig struct {
	// Addr is the dashboard listen address.
	Addr string `toml:"addr"`
}

// Duration wraps time.Duration for TOML text values like "5m" or "1500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watchdog: WatchdogConfig{
			Interval:        Duration{30 * time.Second},
			StaleThreshold:  Duration{5 * time.Minute},
			ZombieThreshold: Duration{20 * time.Minute},
			NudgeInterval:   Duration{time.Minute},
			AITriage:        false,
			TriageCommand:   "overstory-triage",
		},
		Mail: MailConfig{
			WaitTimeout:    Duration{5 * time.Minute},
			InitialPoll:    Duration{time.Second},
			MaxPoll:        Duration{10 * time.Second},
			Backoff:        1.5,
			DebounceWindow: Duration{30 * time.Second},
			Groups:         DefaultGroups(),
		},
		Web: WebConfig{
			Addr: "127.0.0.1:7433",
		},
	}
}

// DefaultGroups returns the built-in broadcast groups: @all, @workers, and
// one @<capability> group per capability.
func DefaultGroups() map[string]string {
	groups := map[string]string{
		"all":     "all",
		"workers": "workers",
	}
	for _, c := range []string{"scout", "builder", "reviewer", "lead", "merger", "coordinator", "supervisor", "monitor"} {
		groups[c] = "capability:" + c
	}
	return groups
}

// Load reads overstory.toml from the project root, layering it over the
// defaults. A missing file yields the defaults unchanged.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(root, workspace.Marker)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the project marker
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	// User-defined groups extend the defaults rather than replacing them.
	merged := DefaultGroups()
	for name, pred := range cfg.Mail.Groups {
		merged[name] = pred
	}
	cfg.Mail.Groups = merged

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects threshold combinations the watchdog cannot honor.
func (c *Config) Validate() error {
	if c.Watchdog.ZombieThreshold.Duration <= c.Watchdog.StaleThreshold.Duration {
		return fmt.Errorf("config: zombie_threshold (%s) must exceed stale_threshold (%s)",
			c.Watchdog.ZombieThreshold, c.Watchdog.StaleThreshold)
	}
	if c.Watchdog.NudgeInterval.Duration <= 0 {
		return fmt.Errorf("config: nudge_interval must be positive")
	}
	if c.Watchdog.Interval.Duration <= 0 {
		return fmt.Errorf("config: watchdog interval must be positive")
	}
	if c.Mail.Backoff < 1 {
		return fmt.Errorf("config: mail backoff %.2f must be >= 1", c.Mail.Backoff)
	}
	return nil
}
