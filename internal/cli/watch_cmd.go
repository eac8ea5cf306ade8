package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	dplog "devpublish/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

func newWatchCmd(deps *Deps) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild the merged repository whenever a publication store changes",
		Long: `Watch merges once, then watches the publication stores and every import
directory and merges again after changes settle. It runs until interrupted.`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debounce <= 0 {
				return usagef("--debounce must be positive")
			}
			a, err := deps.open(nil)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(a.staging.StoreDir, 0o755); err != nil {
				return err
			}

			inputs := a.runner.MergeInputs()
			roots := make([]string, 0, len(inputs))
			for _, in := range inputs {
				roots = append(roots, in.Dir)
			}

			out := cmd.OutOrStdout()
			mergeOnce := func(ctx context.Context) error {
				report, err := a.syncer.Sync(ctx, inputs)
				if err != nil {
					return err
				}
				if report.Changed() {
					printReport(out, a.syncer.Dest, report)
				}
				return nil
			}

			err = watchAndMerge(cmd.Context(), roots, debounce, mergeOnce, a.logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period before merging after a change")
	return cmd
}

// watchAndMerge calls mergeOnce once, then again each time the trees under roots
// have been quiet for debounce after a change. Missing roots are skipped.
// Merge errors are logged and watching continues. It returns when ctx is done.
func watchAndMerge(ctx context.Context, roots []string, debounce time.Duration, mergeOnce func(context.Context) error, logger *slog.Logger) error {
	logger = dplog.OrNop(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	watched := 0
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			logger.Warn("not watching merge input", "dir", root, "error", err)
			continue
		}
		if err := addTree(watcher, root); err != nil {
			return err
		}
		watched++
	}
	logger.Info("watching merge inputs", "roots", watched, "debounce", debounce)

	runSync := func() {
		if err := mergeOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("merge failed", "error", err)
		}
	}
	runSync()

	var (
		pending     bool
		pendingFrom time.Time
	)
	tick := max(debounce/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if pending && time.Since(pendingFrom) >= debounce {
				pending = false
				runSync()
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						logger.Warn("watching new directory", "dir", event.Name, "error", err)
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending = true
				pendingFrom = time.Now()
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", watchErr)
		}
	}
}

// addTree watches root and every directory below it. Directories that vanish
// while walking are ignored.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
}
