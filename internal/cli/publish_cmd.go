package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"devpublish/internal/dag"
	"devpublish/internal/history"
	"devpublish/internal/trace"
)

func newPublishCmd(deps *Deps) *cobra.Command {
	var (
		parallel  int
		tracePath string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "publish [publication...]",
		Short: "Write changed publications and rebuild the merged repository",
		Long: `Publish fingerprints every named publication (all of them when none are
named), writes the ones that changed through staging into their stores, then
rebuilds the merged repository. A failed publication skips the merge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec := trace.NewRecorder()

			a, err := deps.open(rec)
			if err != nil {
				return err
			}
			a.runner.Force = force

			g, err := a.runner.Graph(args...)
			if err != nil {
				return usageError(err)
			}
			ex, err := dag.NewExecutor(g, a.runner)
			if err != nil {
				return err
			}
			ex.Sink = rec
			ex.Logger = a.logger

			n := a.cfg.Concurrency
			if cmd.Flags().Changed("parallel") {
				n = parallel
			}
			if n < 1 {
				return usagef("--parallel must be >= 1, got %d", n)
			}

			start := time.Now()
			var res *dag.GraphResult
			if n == 1 {
				res, err = ex.RunSerial(ctx)
			} else {
				res, err = ex.RunParallel(ctx, n)
			}
			a.recordPass(g, start, force, res, err)
			if err != nil {
				return err
			}

			if tracePath != "" {
				if err := writeTrace(tracePath, rec.Trace(string(res.GraphHash))); err != nil {
					return err
				}
			}

			printGraphResult(cmd.OutOrStdout(), g, res)
			if err := res.Err(); err != nil {
				return &ExitError{Code: ExitPublishFailure, Err: err}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "publish steps run at once (default: concurrency from config)")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write the canonical trace of the pass to this file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "write every publication regardless of its fingerprint")
	return cmd
}

// keepPasses is how many pass records survive pruning.
const keepPasses = 20

// recordPass saves the outcome of a pass. Failures to record are logged and
// never change the pass result.
func (a *app) recordPass(g *dag.Graph, start time.Time, forced bool, res *dag.GraphResult, cause error) {
	id, err := history.NewPassID(start)
	if err == nil {
		err = a.history.Save(history.FromResult(id, g, start, forced, res, cause))
	}
	if err == nil {
		err = a.history.Prune(keepPasses)
	}
	if err != nil {
		a.logger.Warn("recording pass", "dir", a.history.Dir, "error", err)
	}
}

func writeTrace(path string, tr trace.PublishTrace) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	if err := tr.WriteFile(path); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

func printGraphResult(w io.Writer, g *dag.Graph, res *dag.GraphResult) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("step", "state", "files", "detail")

	for _, name := range g.TopologicalOrder() {
		files, detail := "", ""
		if r := res.Results[name]; r != nil {
			files = strconv.Itoa(len(r.Files))
			detail = r.Detail
		}
		if err := res.Errors[name]; err != nil {
			detail = firstLine(err.Error())
		}
		t.Row(name, strings.ToLower(string(res.FinalState[name])), files, detail)
	}
	fmt.Fprintln(w, t.String())
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
