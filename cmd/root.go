// Package cmd defines the command line of the streaming test client.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerodha/rdp-stream-client/app"
	"github.com/zerodha/rdp-stream-client/logging"
)

// Options carries process-wide values into the root command.
type Options struct {
	Version   string
	Build     string
	Logger    *slog.Logger
	LogBuffer *logging.Buffer
	LogLevel  *slog.LevelVar
	Stdout    io.Writer
}

// flags mirrors the command line before conversion to app.Config.
type flags struct {
	cfg       app.Config
	exitMins  int
	statsSecs int
}

// NewRootCommand builds the root command. RunE returns errors wrapping
// app.ErrInvalidConfig or app.ErrLogFile for argument problems.
func NewRootCommand(opts Options) *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "rdp-stream-client",
		Short: "Streaming market data test client",
		Long: `Connects to a hosted platform, a deployed server or a local desktop application,
subscribes to a list of instruments and prints the messages received along with
simple statistics.

The session type follows from the credentials given:
- --password and --user select the hosted platform
- --host and --user select a deployed server
- otherwise the local desktop application is used`,
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, &f)
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", app.ErrInvalidConfig, err)
	})
	rootCmd.SetVersionTemplate(fmt.Sprintf("rdp-stream-client {{.Version}}\nBuild: %s\n", opts.Build))
	if opts.Stdout != nil {
		rootCmd.SetOut(opts.Stdout)
	}

	fl := rootCmd.Flags()
	fl.StringVarP(&f.cfg.Service, "service", "S", "", "service name to request data from")
	fl.StringVarP(&f.cfg.Host, "host", "H", "", "deployed server hostname:port")
	fl.StringVarP(&f.cfg.AppKey, "app-key", "a", "", "application key / client id (required)")
	fl.StringVarP(&f.cfg.User, "user", "u", "", "machine id or DACS user name")
	fl.StringVarP(&f.cfg.Password, "password", "p", "", "platform password")
	fl.StringVarP(&f.cfg.Items, "items", "i", "", "comma-separated list of RICs")
	fl.StringVar(&f.cfg.Fields, "fields", "", "comma-separated list of field names for a view")
	fl.StringVarP(&f.cfg.Domain, "domain", "m", "", "domain model name, e.g. MarketByPrice (server default MarketPrice)")
	fl.StringVarP(&f.cfg.RICFile, "ric-file", "f", "", "file of RICs, one per line")
	fl.StringVar(&f.cfg.ExtRICFile, "ext-ric-file", "", "multi domain file of numeric domain|RIC lines, e.g. 7|VOD.L")
	fl.BoolVarP(&f.cfg.Snapshot, "snapshot", "t", false, "snapshot request")
	fl.BoolVarP(&f.cfg.Dump, "dump", "X", false, "output received data to console")
	fl.StringVarP(&f.cfg.LogFile, "log-file", "l", "", "redirect console output to file")
	fl.BoolVarP(&f.cfg.AutoExit, "auto-exit", "e", false, "exit after all items are retrieved")
	fl.IntVar(&f.exitMins, "exit-time", 0, "exit after time in minutes (0 = indefinite)")
	fl.IntVar(&f.statsSecs, "stats-time", 5, "statistics interval in seconds")
	fl.BoolVar(&f.cfg.ShowStatus, "show-status", false, "output received status messages")
	fl.BoolVar(&f.cfg.Debug, "debug", false, "output low level debug trace")
	fl.StringVar(&f.cfg.SettingsFile, "config", "", "YAML file with endpoint and pacing settings")
	fl.StringVar(&f.cfg.RecordPath, "record", "", "SQLite file to record received messages into")

	return rootCmd
}

func run(cmd *cobra.Command, opts Options, f *flags) error {
	cfg := f.cfg
	cfg.ExitTime = time.Duration(f.exitMins) * time.Minute
	cfg.StatsTime = time.Duration(f.statsSecs) * time.Second

	if cfg.Debug && opts.LogLevel != nil {
		opts.LogLevel.Set(slog.LevelDebug)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	application := app.NewApp(logger, &cfg)
	application.SetVersion(opts.Version)
	application.SetLogBuffer(opts.LogBuffer)
	application.SetConsole(cmd.OutOrStdout())

	if err := application.LoadConfig(); err != nil {
		return err
	}

	if cfg.LogFile != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Redirecting console to file %q\n", cfg.LogFile)
		file, err := os.Create(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("%w to file %q: %v", app.ErrLogFile, cfg.LogFile, err)
		}
		defer file.Close()
		application.SetConsole(file)
	}

	logger.Info("Starting streaming client", "version", opts.Version, "mode", cfg.Mode, "instruments", cfg.Instruments.Len())
	return application.Run(cmd.Context())
}
