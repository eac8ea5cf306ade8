package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"devpublish/internal/dag"
	"devpublish/internal/fingerprint"
	dplog "devpublish/internal/log"
	"devpublish/internal/merge"
	"devpublish/internal/staging"
	"devpublish/internal/trace"
)

// RunnerConfig wires a Runner to its collaborators.
type RunnerConfig struct {
	// ProjectDir resolves relative descriptor paths.
	ProjectDir string

	Engine  *fingerprint.Engine
	Store   fingerprint.Store
	Staging *staging.Coordinator
	Syncer  *merge.Syncer

	// Imports are merged into the destination after the publication stores.
	Imports []merge.Input

	// Force writes every publication regardless of its fingerprint.
	Force bool

	Sink   trace.Sink
	Logger *slog.Logger
}

// Runner performs publish and merge steps. It implements dag.Runner.
type Runner struct {
	RunnerConfig

	pubs  map[string]Publication
	names []string
}

var _ dag.Runner = (*Runner)(nil)

// NewRunner validates pubs and cfg and returns a Runner.
func NewRunner(cfg RunnerConfig, pubs []Publication) (*Runner, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("runner: nil fingerprint engine")
	case cfg.Store == nil:
		return nil, errors.New("runner: nil fingerprint store")
	case cfg.Staging == nil:
		return nil, errors.New("runner: nil staging coordinator")
	case cfg.Syncer == nil:
		return nil, errors.New("runner: nil syncer")
	}

	r := &Runner{RunnerConfig: cfg, pubs: make(map[string]Publication, len(pubs))}
	for _, p := range pubs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.pubs[p.Name]; dup {
			return nil, fmt.Errorf("duplicate publication %q", p.Name)
		}
		r.pubs[p.Name] = p
		r.names = append(r.names, p.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Runner) logger() *slog.Logger {
	return dplog.OrNop(r.Logger)
}

// Names returns the publication names, sorted.
func (r *Runner) Names() []string {
	return append([]string(nil), r.names...)
}

// Publication looks up a publication by name.
func (r *Runner) Publication(name string) (Publication, bool) {
	p, ok := r.pubs[name]
	return p, ok
}

// Fingerprint computes the current fingerprint of the named publication.
func (r *Runner) Fingerprint(name string) (fingerprint.Record, error) {
	p, ok := r.pubs[name]
	if !ok {
		return fingerprint.Record{}, fmt.Errorf("unknown publication %q", name)
	}
	return r.Engine.Compute(p.Identity, p.ArtifactSet(r.ProjectDir))
}

// Graph builds the publish graph for the named publications, or for all of
// them when names is empty.
func (r *Runner) Graph(names ...string) (*dag.Graph, error) {
	if len(names) == 0 {
		names = r.names
	}
	for _, n := range names {
		if _, ok := r.pubs[n]; !ok {
			return nil, fmt.Errorf("unknown publication %q", n)
		}
	}
	return dag.NewPublishGraph(names)
}

// Probe decides whether a publish step can be skipped. Merge steps always
// run.
//
// An Internal publication is up to date when its stored fingerprint equals
// the current one and its publication store still exists.
func (r *Runner) Probe(_ context.Context, step dag.Step) (*dag.StepResult, bool, error) {
	if step.Kind != dag.StepPublish {
		return nil, false, nil
	}
	p, ok := r.pubs[step.Publication]
	if !ok {
		return nil, false, fmt.Errorf("unknown publication %q", step.Publication)
	}
	lg := r.logger().With("publication", p.Name)

	stale := func(reason string) (*dag.StepResult, bool, error) {
		lg.Info("publication stale", "reason", reason)
		trace.SafeRecord(r.Sink, trace.Event{Kind: trace.EventPublicationStale, Step: step.Name, Reason: reason})
		return nil, false, nil
	}

	if p.Destination == External {
		return stale(trace.ReasonExternalDestination)
	}
	if r.Force {
		return stale(trace.ReasonForced)
	}

	current, err := r.Fingerprint(p.Name)
	if err != nil {
		return nil, false, err
	}
	stored, err := fingerprint.Stored(r.Store, p.Name)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return stale(trace.ReasonNoStoredFingerprint)
	}

	text := current.Text()
	if fingerprint.ShouldPublish(text, stored) {
		lg.Info("fingerprint changed, publishing", "diff", fingerprint.Diff(text, *stored))
		return stale(trace.ReasonFingerprintChanged)
	}

	existing, err := r.Staging.Load(p.Name)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		lg.Warn("publication store missing, rewriting", "store", r.Staging.StorePath(p.Name))
		return stale(trace.ReasonNoStoredFingerprint)
	}

	lg.Info("publication up to date")
	trace.SafeRecord(r.Sink, trace.Event{Kind: trace.EventPublicationUpToDate, Step: step.Name})
	return &dag.StepResult{Files: existing.Files, Detail: "up to date"}, true, nil
}

// Run performs a publish or merge step.
func (r *Runner) Run(ctx context.Context, step dag.Step) (*dag.StepResult, error) {
	switch step.Kind {
	case dag.StepPublish:
		return r.publish(ctx, step)
	case dag.StepMerge:
		return r.merge(ctx, step)
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (r *Runner) publish(ctx context.Context, step dag.Step) (*dag.StepResult, error) {
	p, ok := r.pubs[step.Publication]
	if !ok {
		return nil, fmt.Errorf("unknown publication %q", step.Publication)
	}

	if p.Destination == External {
		if err := p.Writer.Write(ctx, ""); err != nil {
			return nil, fmt.Errorf("publish %s: %w", p.Name, err)
		}
		trace.SafeRecord(r.Sink, trace.Event{
			Kind:   trace.EventPublicationWritten,
			Step:   step.Name,
			Reason: trace.ReasonExternalDestination,
		})
		return &dag.StepResult{Changed: true, Detail: "external"}, nil
	}

	captured, err := r.Staging.Stage(ctx, p.Name, p.Writer.Write)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", p.Name, err)
	}

	// The descriptors may only exist once the writer has run, so the stored
	// fingerprint is taken after the write.
	rec, err := r.Fingerprint(p.Name)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", p.Name, err)
	}
	if err := r.Store.Save(p.Name, rec.Text()); err != nil {
		return nil, fmt.Errorf("publish %s: saving fingerprint: %w", p.Name, err)
	}

	trace.SafeRecord(r.Sink, trace.Event{
		Kind:  trace.EventPublicationWritten,
		Step:  step.Name,
		Files: captured.Files,
	})
	return &dag.StepResult{Files: captured.Files, Changed: true}, nil
}

// MergeInputs returns the inputs of the merge step: the publication stores
// followed by the configured imports.
func (r *Runner) MergeInputs() []merge.Input {
	inputs := []merge.Input{{Dir: r.Staging.StoreDir, Kind: merge.PublicationStores}}
	return append(inputs, r.Imports...)
}

func (r *Runner) merge(ctx context.Context, step dag.Step) (*dag.StepResult, error) {
	report, err := r.Syncer.Sync(ctx, r.MergeInputs())
	if err != nil {
		return nil, err
	}

	files := append(append([]string(nil), report.Copied...), report.Deleted...)
	sort.Strings(files)

	ev := trace.Event{Kind: trace.EventRepositoryMerged, Step: step.Name, Files: files}
	if !report.Changed() {
		ev.Reason = trace.ReasonNoChanges
	}
	trace.SafeRecord(r.Sink, ev)

	return &dag.StepResult{
		Files:   files,
		Changed: report.Changed(),
		Detail:  fmt.Sprintf("%d copied, %d deleted, %d conflicts", len(report.Copied), len(report.Deleted), len(report.Conflicts)),
	}, nil
}
