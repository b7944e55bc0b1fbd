// Package cfg holds the application configuration shared by the quell
// CLI and the decision server. Fields bind to flags and fill from
// QUELL_-prefixed environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config carries the deduplication settings common to both binaries.
type Config struct {
	CacheDir    string
	CacheDB     string
	DatabaseURL string
	TTL         time.Duration
	QuietStart  int
	QuietEnd    int
	Markers     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.CacheDir, "cache-dir", "/tmp/quell-alerts", "directory for the file-backed dedup cache")
	fs.StringVar(&c.CacheDB, "cache-db", "", "path to a SQLite cache database (empty = file-backed cache)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for a shared cache (overrides cache-db)")
	fs.DurationVar(&c.TTL, "ttl", time.Hour, "how long a fingerprint suppresses repeats (must be > 0)")
	fs.IntVar(&c.QuietStart, "quiet-start", 9, "start hour of the quiet window for low-severity alerts (0..23)")
	fs.IntVar(&c.QuietEnd, "quiet-end", 17, "end hour of the quiet window for low-severity alerts (0..23)")
	fs.StringVar(&c.Markers, "markers", "test,testing,demo", "comma-separated substrings that mark an alert synthetic")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" && c.CacheDB == "" && c.CacheDir == "" {
		errs = append(errs, errors.New("CACHE_DIR is required when no CACHE_DB or DATABASE_URL is set"))
	}

	if c.TTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid TTL %s (must be > 0)", c.TTL))
	}

	if c.QuietStart < 0 || c.QuietStart > 23 {
		errs = append(errs, fmt.Errorf("invalid QUIET_START %d (must be 0..23)", c.QuietStart))
	}
	if c.QuietEnd < 0 || c.QuietEnd > 23 {
		errs = append(errs, fmt.Errorf("invalid QUIET_END %d (must be 0..23)", c.QuietEnd))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MarkerList splits the Markers field into trimmed, lowercased entries.
// Empty entries are dropped.
func (c *Config) MarkerList() []string {
	var out []string
	for _, m := range strings.Split(c.Markers, ",") {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// ServerConfig carries the settings only the decision server needs.
type ServerConfig struct {
	APIPort               int
	APIToken              string
	DrainSeconds          int
	ShutdownBudgetSeconds int
	SweepInterval         time.Duration
}

// RegisterFlags binds ServerConfig fields to the given FlagSet with defaults inline
func (c *ServerConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the decision API (empty = no auth)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "how often the background sweeper evicts expired records (0 = disabled)")
}

// Validate checks all configuration fields for correctness.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be >= 0)", c.SweepInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
