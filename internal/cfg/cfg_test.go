package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all fields set to valid values.
func validBase() Config {
	return Config{
		CacheDir:   "/tmp/quell-alerts",
		TTL:        time.Hour,
		QuietStart: 9,
		QuietEnd:   17,
		Markers:    "test,testing,demo",
	}
}

func validServerBase() ServerConfig {
	return ServerConfig{
		APIPort:               8080,
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		SweepInterval:         5 * time.Minute,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.CacheDir != "/tmp/quell-alerts" {
		t.Errorf("CacheDir = %q, want %q", c.CacheDir, "/tmp/quell-alerts")
	}
	if c.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", c.TTL)
	}
	if c.QuietStart != 9 {
		t.Errorf("QuietStart = %d, want 9", c.QuietStart)
	}
	if c.QuietEnd != 17 {
		t.Errorf("QuietEnd = %d, want 17", c.QuietEnd)
	}
	if c.Markers != "test,testing,demo" {
		t.Errorf("Markers = %q, want %q", c.Markers, "test,testing,demo")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-cache-dir", "/var/cache/quell",
		"-cache-db", "/var/cache/quell.db",
		"-database-url", "postgres://quell@db/quell",
		"-ttl", "30m",
		"-quiet-start", "22",
		"-quiet-end", "6",
		"-markers", "synthetic,drill",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.CacheDir != "/var/cache/quell" {
		t.Errorf("CacheDir = %q, want %q", c.CacheDir, "/var/cache/quell")
	}
	if c.CacheDB != "/var/cache/quell.db" {
		t.Errorf("CacheDB = %q, want %q", c.CacheDB, "/var/cache/quell.db")
	}
	if c.DatabaseURL != "postgres://quell@db/quell" {
		t.Errorf("DatabaseURL = %q, want %q", c.DatabaseURL, "postgres://quell@db/quell")
	}
	if c.TTL != 30*time.Minute {
		t.Errorf("TTL = %v, want 30m", c.TTL)
	}
	if c.QuietStart != 22 {
		t.Errorf("QuietStart = %d, want 22", c.QuietStart)
	}
	if c.QuietEnd != 6 {
		t.Errorf("QuietEnd = %d, want 6", c.QuietEnd)
	}
	if c.Markers != "synthetic,drill" {
		t.Errorf("Markers = %q, want %q", c.Markers, "synthetic,drill")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "sqlite without cache dir",
			cfg:     Config{CacheDB: "/tmp/q.db", TTL: time.Hour, QuietStart: 9, QuietEnd: 17},
			wantErr: false,
		},
		{
			name:    "postgres without cache dir",
			cfg:     Config{DatabaseURL: "postgres://q@db/q", TTL: time.Hour, QuietStart: 9, QuietEnd: 17},
			wantErr: false,
		},
		{
			name:      "no store configured",
			cfg:       Config{TTL: time.Hour, QuietStart: 9, QuietEnd: 17},
			wantErr:   true,
			errSubstr: []string{"CACHE_DIR"},
		},
		// TTL boundaries
		{
			name:      "ttl zero",
			cfg:       Config{CacheDir: "/tmp/q", TTL: 0, QuietStart: 9, QuietEnd: 17},
			wantErr:   true,
			errSubstr: []string{"TTL"},
		},
		{
			name:      "ttl negative",
			cfg:       Config{CacheDir: "/tmp/q", TTL: -time.Second, QuietStart: 9, QuietEnd: 17},
			wantErr:   true,
			errSubstr: []string{"TTL"},
		},
		{
			name:    "ttl one second",
			cfg:     Config{CacheDir: "/tmp/q", TTL: time.Second, QuietStart: 9, QuietEnd: 17},
			wantErr: false,
		},
		// Quiet hour boundaries
		{
			name:      "quiet start negative",
			cfg:       Config{CacheDir: "/tmp/q", TTL: time.Hour, QuietStart: -1, QuietEnd: 17},
			wantErr:   true,
			errSubstr: []string{"QUIET_START"},
		},
		{
			name:      "quiet start above max",
			cfg:       Config{CacheDir: "/tmp/q", TTL: time.Hour, QuietStart: 24, QuietEnd: 17},
			wantErr:   true,
			errSubstr: []string{"QUIET_START"},
		},
		{
			name:      "quiet end above max",
			cfg:       Config{CacheDir: "/tmp/q", TTL: time.Hour, QuietStart: 9, QuietEnd: 24},
			wantErr:   true,
			errSubstr: []string{"QUIET_END"},
		},
		{
			name:    "quiet window wraps midnight",
			cfg:     Config{CacheDir: "/tmp/q", TTL: time.Hour, QuietStart: 22, QuietEnd: 6},
			wantErr: false,
		},
		{
			name:    "quiet hours at bounds",
			cfg:     Config{CacheDir: "/tmp/q", TTL: time.Hour, QuietStart: 0, QuietEnd: 23},
			wantErr: false,
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{TTL: 0, QuietStart: -5, QuietEnd: 99},
			wantErr:   true,
			errSubstr: []string{"CACHE_DIR", "TTL", "QUIET_START", "QUIET_END"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestMarkerList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		markers string
		want    []string
	}{
		{"defaults", "test,testing,demo", []string{"test", "testing", "demo"}},
		{"whitespace trimmed", " test , demo ", []string{"test", "demo"}},
		{"lowercased", "TEST,Demo", []string{"test", "demo"}},
		{"empty entries dropped", "test,,demo,", []string{"test", "demo"}},
		{"empty string", "", nil},
		{"only commas", ",,,", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Config{Markers: tt.markers}
			got := c.MarkerList()
			if len(got) != len(tt.want) {
				t.Fatalf("MarkerList() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("MarkerList()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestServerRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c ServerConfig
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.SweepInterval != 5*time.Minute {
		t.Errorf("SweepInterval = %v, want 5m", c.SweepInterval)
	}
	if c.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", c.APIToken)
	}
}

func TestServerValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       ServerConfig
		wantErr   bool
		errSubstr []string
	}{
		{
			name:    "defaults are valid",
			cfg:     validServerBase(),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     ServerConfig{APIPort: 1, DrainSeconds: 1, ShutdownBudgetSeconds: 2},
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     ServerConfig{APIPort: 65535, DrainSeconds: 299, ShutdownBudgetSeconds: 300},
			wantErr: false,
		},
		{
			name:      "port zero",
			cfg:       ServerConfig{APIPort: 0, DrainSeconds: 60, ShutdownBudgetSeconds: 90},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       ServerConfig{APIPort: 65536, DrainSeconds: 60, ShutdownBudgetSeconds: 90},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "drain zero",
			cfg:       ServerConfig{APIPort: 8080, DrainSeconds: 0, ShutdownBudgetSeconds: 90},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       ServerConfig{APIPort: 8080, DrainSeconds: 60, ShutdownBudgetSeconds: 301},
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       ServerConfig{APIPort: 8080, DrainSeconds: 60, ShutdownBudgetSeconds: 60},
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "negative sweep interval",
			cfg:       ServerConfig{APIPort: 8080, DrainSeconds: 60, ShutdownBudgetSeconds: 90, SweepInterval: -time.Minute},
			wantErr:   true,
			errSubstr: []string{"SWEEP_INTERVAL"},
		},
		{
			name:    "sweep disabled",
			cfg:     ServerConfig{APIPort: 8080, DrainSeconds: 60, ShutdownBudgetSeconds: 90, SweepInterval: 0},
			wantErr: false,
		},
		{
			name:      "all fields invalid",
			cfg:       ServerConfig{APIPort: 0, DrainSeconds: 0, ShutdownBudgetSeconds: 0, SweepInterval: -1},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT", "DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "SWEEP_INTERVAL"},
		},
		{
			name:      "extreme negative values",
			cfg:       ServerConfig{APIPort: math.MinInt32, DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT", "DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzServerValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		port, drain, budget int
	}{
		{8080, 60, 90},
		{1, 1, 2},
		{65535, 299, 300},
		{0, 0, 0},
		{-1, -1, -1},
		{65536, 301, 302},
		{8080, 150, 100},
		{math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.port, s.drain, s.budget)
	}

	f.Fuzz(func(t *testing.T, port, drain, budget int) {
		c := ServerConfig{
			APIPort:               port,
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
		}
		err := c.Validate()

		portOK := port >= 1 && port <= 65535
		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		crossOK := budget > drain

		allValid := portOK && drainOK && budgetOK && crossOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
