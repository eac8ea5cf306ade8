package cli

import (
	"log/slog"
	"time"

	"devpublish/internal/config"
	"devpublish/internal/fingerprint"
	"devpublish/internal/history"
	"devpublish/internal/merge"
	"devpublish/internal/publish"
	"devpublish/internal/staging"
	"devpublish/internal/trace"
)

// app is the set of components one command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *fingerprint.FileStore
	staging *staging.Coordinator
	syncer  *merge.Syncer
	runner  *publish.Runner
	history *history.Store
}

func newApp(cfg *config.Config, logger *slog.Logger, sink trace.Sink) (*app, error) {
	timeout := time.Duration(cfg.LockTimeout)

	pubs, err := cfg.PublishPublications(logger)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	imports, err := cfg.MergeImports()
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   fingerprint.NewFileStore(cfg.Dirs.FingerprintStore),
		staging: staging.New(cfg.Dirs.Staging, cfg.Dirs.PublicationStore, timeout, logger),
		syncer:  merge.NewSyncer(cfg.Dirs.MergedRepo, timeout, logger),
		history: &history.Store{Dir: cfg.Dirs.History},
	}
	a.runner, err = publish.NewRunner(publish.RunnerConfig{
		ProjectDir: cfg.ProjectDir,
		Engine:     fingerprint.NewEngine(cfg.Algorithm()),
		Store:      a.store,
		Staging:    a.staging,
		Syncer:     a.syncer,
		Imports:    imports,
		Sink:       sink,
		Logger:     logger,
	}, pubs)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	return a, nil
}

// open loads the config and assembles the app.
func (d *Deps) open(sink trace.Sink) (*app, error) {
	cfg, err := d.loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, d.Logger, sink)
}
