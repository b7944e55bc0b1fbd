// Quell is an alert deduplication filter. It reads alert content from
// stdin, decides whether the alert should be suppressed, and reports the
// verdict through its exit code so shell pipelines and agent hooks can
// gate delivery on it:
//
//	0  deliver the alert
//	1  suppress (duplicate, quiet hours, or synthetic)
//	2  cannot decide (malformed input or configuration error)
//
// A JSON verdict is written to stdout either way.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/quell/internal/alert"
	qc "github.com/linnemanlabs/quell/internal/cfg"
	"github.com/linnemanlabs/quell/internal/dedup"
	"github.com/linnemanlabs/quell/internal/dedup/filestore"
	"github.com/linnemanlabs/quell/internal/dedup/pgstore"
	"github.com/linnemanlabs/quell/internal/dedup/sqlitestore"
	"github.com/linnemanlabs/quell/internal/postgres"
)

const appName = "quell"
const component = "cli"

// Exit codes consumed by calling pipelines.
const (
	exitAllow        = 0
	exitSuppress     = 1
	exitCannotDecide = 2
)

// maxAlertBody bounds how much alert content one invocation may carry.
const maxAlertBody = 1 << 20

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg qc.Config
		logCfg log.Config
	)

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	appCfg.RegisterFlags(fs)
	logCfg.RegisterFlags(fs)
	var showVersion bool
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return exitCannotDecide
	}
	if showVersion {
		fmt.Fprintf(stdout,
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return exitAllow
	}

	// Environment variables fill in anything the command line left at its
	// default, QUELL_-prefixed.
	cfg.FillFromEnv(fs, "QUELL_", func(format string, fargs ...any) {
		fmt.Fprintf(stderr, format+"\n", fargs...)
	})

	if err := errors.Join(appCfg.Validate(), logCfg.Validate()); err != nil {
		fmt.Fprintln(stderr, "configuration validation failed:", err)
		return exitCannotDecide
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		fmt.Fprintln(stderr, "logger init:", err)
		return exitCannotDecide
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		L.Error(ctx, err, "cache store init failed")
		fmt.Fprintln(stderr, "cache store init failed:", err)
		return exitCannotDecide
	}
	defer closeStore()

	rules := dedup.Rules{
		QuietStart: appCfg.QuietStart,
		QuietEnd:   appCfg.QuietEnd,
		Markers:    appCfg.MarkerList(),
	}
	engine := dedup.NewEngine(store, rules, L, dedup.EngineHooks{})

	now := time.Now()

	// Opportunistic cleanup before deciding. Each invocation sweeps so the
	// cache stays bounded without a resident daemon.
	if _, err := engine.Sweep(ctx, now); err != nil {
		L.Warn(ctx, "cache sweep failed", "error", err)
	}

	// Read one byte past the cap so oversized input is detected rather
	// than silently truncated and fingerprinted as a different alert.
	content, err := io.ReadAll(io.LimitReader(stdin, maxAlertBody+1))
	if err != nil {
		L.Error(ctx, err, "failed to read alert from stdin")
		writeVerdictError(stdout, "cannot decide: failed to read stdin")
		return exitCannotDecide
	}
	if len(content) > maxAlertBody {
		L.Warn(ctx, "cannot decide: alert content too large", "limit", maxAlertBody)
		writeVerdictError(stdout, "cannot decide: alert content exceeds 1 MiB")
		return exitCannotDecide
	}

	al, err := alert.ParseContent(content)
	if err != nil {
		if errors.Is(err, alert.ErrMalformed) {
			L.Warn(ctx, "cannot decide: malformed alert", "bytes", len(content))
			writeVerdictError(stdout, "cannot decide: malformed alert")
			return exitCannotDecide
		}
		L.Error(ctx, err, "alert parse failed")
		writeVerdictError(stdout, "cannot decide: "+err.Error())
		return exitCannotDecide
	}

	verdict := engine.Decide(ctx, al, now)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(verdict)

	if verdict.Suppress {
		return exitSuppress
	}
	return exitAllow
}

// openStore picks the cache backend: Postgres when a database URL is
// configured, SQLite when a cache DB path is, else the file-backed cache.
func openStore(ctx context.Context, appCfg *qc.Config, L log.Logger) (dedup.Store, func(), error) {
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool, appCfg.TTL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		return s, pool.Close, nil
	case appCfg.CacheDB != "":
		s, err := sqlitestore.New(appCfg.CacheDB, appCfg.TTL, L)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := filestore.New(appCfg.CacheDir, appCfg.TTL, L)
		if err != nil {
			return nil, nil, fmt.Errorf("filestore init: %w", err)
		}
		return s, func() {}, nil
	}
}

func writeVerdictError(w io.Writer, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
