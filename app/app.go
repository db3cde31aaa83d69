package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zerodha/rdp-stream-client/logging"
	"github.com/zerodha/rdp-stream-client/marketdata"
	"github.com/zerodha/rdp-stream-client/recorder"
	"github.com/zerodha/rdp-stream-client/stream"
)

// App represents the main application structure
type App struct {
	Config   *Config
	Settings Settings
	Version  string

	logger    *slog.Logger
	logBuffer *logging.Buffer
	console   io.Writer

	// sessionFactory builds the session; replaced in tests.
	sessionFactory func() stream.Session
	tick           time.Duration
}

// NewApp creates a new application instance with logger
func NewApp(logger *slog.Logger, cfg *Config) *App {
	app := &App{
		Config:   cfg,
		Settings: DefaultSettings(),
		Version:  "v0.0.0",
		logger:   logger,
		console:  &lockedWriter{w: os.Stdout},
		tick:     time.Second,
	}
	app.sessionFactory = app.newSession
	return app
}

// SetVersion sets the client version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log trail whose recent warnings are printed at exit.
func (app *App) SetLogBuffer(buf *logging.Buffer) {
	app.logBuffer = buf
}

// SetConsole redirects operator output (stats, dumps, session state) to w.
func (app *App) SetConsole(w io.Writer) {
	app.console = &lockedWriter{w: w}
}

// LoadConfig validates the configuration, loads instruments and reads settings.
// Argument problems wrap ErrInvalidConfig.
func (app *App) LoadConfig() error {
	cfg := app.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(app.console, "%s mode\n", cfg.Mode)

	list, err := cfg.loadInstruments()
	if err != nil {
		fmt.Fprintln(app.console, err)
		app.logger.Warn("Failed to load instruments", "error", err)
	}
	if list.Len() == 0 {
		return invalid("was not able to read any instruments from file or command line")
	}
	cfg.Instruments = list
	app.logger.Info("Instruments loaded", "count", list.Len(), "grouped", list.Grouped)

	cfg.ClampStatsTime()
	cfg.View = parseView(cfg.Fields)

	if cfg.AutoExit && !cfg.Snapshot {
		cfg.Snapshot = true
		fmt.Fprintln(app.console, "AutoExit selected so enabling Snapshot mode too")
	}

	settings, err := LoadSettings(cfg.SettingsFile)
	if err != nil {
		return err
	}
	app.Settings = settings
	return nil
}

// Run opens the session, requests every instrument and prints stats until the run
// completes, the exit time passes, the session is lost or the process is interrupted. The session is
// closed and final stats are printed on every path.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.Config
	session := app.sessionFactory()
	if err := session.Open(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Info("Interrupted during login, shutting down")
			marketdata.PrintStats(app.console, marketdata.Snapshot{})
			return nil
		}
		return fmt.Errorf("open %s session: %w", cfg.Mode, err)
	}

	var (
		db  *recorder.DB
		run *recorder.Run
	)
	tcfg := marketdata.TrackerConfig{
		AutoExit:   cfg.AutoExit,
		Dump:       cfg.Dump,
		ShowStatus: cfg.ShowStatus,
		Out:        app.console,
		Logger:     app.logger,
	}
	if cfg.RecordPath != "" {
		var err error
		db, err = recorder.OpenDB(cfg.RecordPath)
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("open recorder: %w", err)
		}
		defer db.Close()
		run, err = db.StartRun(recorder.RunInfo{Mode: string(cfg.Mode), Items: cfg.Instruments.Len(), Snapshot: cfg.Snapshot}, time.Now())
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("start recording: %w", err)
		}
		app.logger.Info("Recording messages", "path", cfg.RecordPath, "run_id", run.ID)
		tcfg.Sink = run
	}
	tracker := marketdata.NewTracker(tcfg)

	defer func() {
		if cerr := session.Close(); cerr != nil {
			app.logger.Warn("Session close failed", "error", cerr)
		}
		snap := tracker.Stats().Snapshot()
		marketdata.PrintStats(app.console, snap)
		if run != nil {
			if ferr := run.Finish(snap, time.Now()); ferr != nil {
				app.logger.Warn("Failed to finish recording", "error", ferr)
			} else if rs, lerr := db.LoadRun(run.ID); lerr == nil {
				fmt.Fprintf(app.console, "Recorded run %s to %s (%d refreshes, %d updates, %d statuses)\n",
					rs.ID, cfg.RecordPath, rs.Refreshes, rs.Updates, rs.Statuses)
			}
		}
		app.printRecentWarnings()
	}()

	fmt.Fprintln(app.console, "Request Data")
	requester := marketdata.NewRequester(session, tracker, marketdata.RequesterConfig{
		Domain:   cfg.Domain,
		Service:  cfg.Service,
		Fields:   cfg.View,
		Snapshot: cfg.Snapshot,
		Rate:     app.Settings.RequestRate,
		Burst:    app.Settings.RequestBurst,
		Logger:   app.logger,
	})
	if err := requester.Request(ctx, cfg.Instruments); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("request instruments: %w", err)
	}

	if cfg.ExitTime > 0 {
		fmt.Fprintf(app.console, "Run for %s\n", cfg.ExitTime)
	} else {
		fmt.Fprintln(app.console, "Run indefinitely - CTRL+C to break")
	}
	app.loop(ctx, session, tracker)
	return nil
}

// loop prints stats every StatsTime until shutdown, session loss, the deadline or cancellation.
func (app *App) loop(ctx context.Context, session stream.Session, tracker *marketdata.Tracker) {
	cfg := app.Config
	ticker := time.NewTicker(app.tick)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if cfg.ExitTime > 0 {
		timer := time.NewTimer(cfg.ExitTime)
		defer timer.Stop()
		deadline = timer.C
	}

	nextStats := time.Now().Add(cfg.StatsTime)
	for {
		select {
		case <-ctx.Done():
			app.logger.Info("Interrupted, shutting down")
			return
		case <-tracker.Done():
			app.logger.Info("Shutdown requested")
			return
		case <-session.Done():
			app.logger.Warn("Session ended, shutting down")
			return
		case <-deadline:
			app.logger.Info("Exit time reached", "exit_time", cfg.ExitTime)
			return
		case now := <-ticker.C:
			if !now.Before(nextStats) {
				marketdata.PrintStats(app.console, tracker.Stats().Snapshot())
				nextStats = now.Add(cfg.StatsTime)
			}
		}
	}
}

// printRecentWarnings echoes the last warnings and errors from the log trail.
func (app *App) printRecentWarnings() {
	if app.logBuffer == nil {
		return
	}
	entries := app.logBuffer.RecentAtLeast(slog.LevelWarn, 10)
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(app.console, "Recent warnings (%d):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintln(app.console, "  "+e.String())
	}
}

// lockedWriter serialises writes from the session reader and the main loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
