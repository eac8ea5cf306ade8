package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"devpublish/internal/config"
	dplog "devpublish/internal/log"
)

// Deps holds what the commands share. Tests preset Logger and the streams.
type Deps struct {
	ConfigPath string
	LogFile    string
	LogLevel   string
	LogJSON    bool

	// Logger, when set, is used as is and the log flags are ignored.
	Logger *slog.Logger

	Out io.Writer
	Err io.Writer

	logFile *os.File
}

// NewRootCmd builds the command tree.
func NewRootCmd(deps *Deps) *cobra.Command {
	if deps == nil {
		deps = &Deps{}
	}

	root := &cobra.Command{
		Use:   "devpublish",
		Short: "Publish packages into a local development repository",
		Long: `devpublish writes each configured publication into its own store, skipping
publications whose fingerprint has not changed, and rebuilds one merged
repository from every store.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          checkArgs(cobra.NoArgs),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.setupLogger(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return deps.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	if deps.Out != nil {
		root.SetOut(deps.Out)
	}
	if deps.Err != nil {
		root.SetErr(deps.Err)
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "path to config file (default ./"+config.DefaultFileName+")")
	root.PersistentFlags().StringVar(&deps.LogFile, "log-file", "", "write logs to file (default stderr)")
	root.PersistentFlags().StringVar(&deps.LogLevel, "log-level", "info", "minimum log level")
	root.PersistentFlags().BoolVar(&deps.LogJSON, "log-json", false, "output logs as JSON")

	root.AddCommand(
		newPublishCmd(deps),
		newMergeCmd(deps),
		newFingerprintCmd(deps),
		newStatusCmd(deps),
		newWatchCmd(deps),
	)
	return root
}

func (d *Deps) setupLogger(cmd *cobra.Command) error {
	if d.Logger == nil {
		level, err := dplog.ParseLevel(d.LogLevel)
		if err != nil {
			return usageError(err)
		}
		out := cmd.ErrOrStderr()
		if d.LogFile != "" {
			f, err := os.OpenFile(d.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return usageError(err)
			}
			d.logFile = f
			out = f
		}
		lg, _, err := dplog.NewLogger(dplog.LoggerConfig{
			Version: Version,
			Out:     out,
			Level:   level,
			JSON:    d.LogJSON,
		})
		if err != nil {
			return err
		}
		d.Logger = lg
	}
	cmd.SetContext(dplog.ContextWithLogger(cmd.Context(), d.Logger))
	return nil
}

func (d *Deps) close() error {
	if d.logFile == nil {
		return nil
	}
	err := d.logFile.Close()
	d.logFile = nil
	return err
}

// loadConfig reads the project file. Failures carry ExitConfigError.
func (d *Deps) loadConfig() (*config.Config, error) {
	path := d.ConfigPath
	if path == "" {
		path = config.DefaultFileName
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	return cfg, nil
}
