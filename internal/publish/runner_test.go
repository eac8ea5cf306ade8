package publish

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpublish/internal/dag"
	"devpublish/internal/fingerprint"
	"devpublish/internal/fsutil"
	dplog "devpublish/internal/log"
	"devpublish/internal/merge"
	"devpublish/internal/staging"
	"devpublish/internal/trace"
)

type fixture struct {
	project string
	stores  string
	dest    string
	store   *fingerprint.FileStore
	rec     *trace.Recorder
	logger  *slog.Logger
	runner  *Runner
	writes  map[string]*atomic.Int32
}

func put(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// pomWriter copies the project's descriptor into the staging dir as the
// package pom.
func pomWriter(project, descriptor, coords string, count *atomic.Int32) Writer {
	return WriterFunc(func(_ context.Context, dir string) error {
		count.Add(1)
		data, err := os.ReadFile(filepath.Join(project, descriptor))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.FromSlash(coords))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	})
}

func newFixture(t *testing.T, logger *slog.Logger, pubs ...Publication) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		project: filepath.Join(root, "project"),
		stores:  filepath.Join(root, "tmp", "publications-store"),
		dest:    filepath.Join(root, "maven-dev"),
		store:   fingerprint.NewFileStore(filepath.Join(root, "tmp", "checksum-store")),
		rec:     trace.NewRecorder(),
		logger:  logger,
		writes:  map[string]*atomic.Int32{},
	}
	require.NoError(t, os.MkdirAll(f.project, 0o755))

	if len(pubs) == 0 {
		count := &atomic.Int32{}
		f.writes["mavenJava"] = count
		pubs = []Publication{{
			Name:        "mavenJava",
			Identity:    "g:a:1.0",
			Descriptors: []string{"build/pom.xml"},
			Writer:      pomWriter(f.project, "build/pom.xml", "g/a/1.0/a-1.0.pom", count),
		}}
	}

	r, err := NewRunner(RunnerConfig{
		ProjectDir: f.project,
		Engine:     fingerprint.NewEngine(fingerprint.SHA256),
		Store:      f.store,
		Staging:    staging.New(filepath.Join(root, "tmp", "staging"), f.stores, 5*time.Second, logger),
		Syncer:     merge.NewSyncer(f.dest, 5*time.Second, logger),
		Sink:       f.rec,
		Logger:     logger,
	}, pubs)
	require.NoError(t, err)
	f.runner = r
	return f
}

func (f *fixture) pass(t *testing.T) *dag.GraphResult {
	t.Helper()
	g, err := f.runner.Graph()
	require.NoError(t, err)
	ex, err := dag.NewExecutor(g, f.runner)
	require.NoError(t, err)
	ex.Sink = f.rec
	ex.Logger = f.logger
	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	return res
}

func TestRunner_WritesOnlyWhenFingerprintChanges(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	writes := f.writes["mavenJava"]
	put(t, f.project, "build/pom.xml", "X")

	// first pass: nothing stored yet
	res := f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, dag.StepCompleted, res.FinalState["publish:mavenJava"])
	assert.Equal(t, int32(1), writes.Load())
	assert.Equal(t, "X", read(t, filepath.Join(f.dest, "g/a/1.0/a-1.0.pom")))

	first, ok, err := f.store.Load("mavenJava")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, first, "g:a:1.0\n---\nbuild/pom.xml:")

	// unchanged inputs: skipped, merge still runs
	res = f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, dag.StepCached, res.FinalState["publish:mavenJava"])
	assert.Equal(t, dag.StepCompleted, res.FinalState["merge"])
	assert.Equal(t, int32(1), writes.Load())

	// changed descriptor: written again and the stored fingerprint follows
	put(t, f.project, "build/pom.xml", "Y")
	res = f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, dag.StepCompleted, res.FinalState["publish:mavenJava"])
	assert.Equal(t, int32(2), writes.Load())
	assert.Equal(t, "Y", read(t, filepath.Join(f.dest, "g/a/1.0/a-1.0.pom")))

	second, _, err := f.store.Load("mavenJava")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	kinds := map[trace.EventKind]int{}
	for _, ev := range f.rec.Snapshot() {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 2, kinds[trace.EventPublicationStale])
	assert.Equal(t, 1, kinds[trace.EventPublicationUpToDate])
	assert.Equal(t, 2, kinds[trace.EventPublicationWritten])
	assert.Equal(t, 3, kinds[trace.EventRepositoryMerged])
}

func TestRunner_LogsFingerprintDiffWhenPublishing(t *testing.T) {
	logger, th := dplog.NewTestLogger(t, slog.LevelInfo)
	f := newFixture(t, logger)
	put(t, f.project, "build/pom.xml", "X")
	require.NoError(t, f.pass(t).Err())
	assert.False(t, dplog.HasMessage(th, "fingerprint changed, publishing"))

	put(t, f.project, "build/pom.xml", "Y")
	require.NoError(t, f.pass(t).Err())

	entries := dplog.FindEntries(th, func(e dplog.LoggedEntry) bool {
		return e.Msg == "fingerprint changed, publishing"
	})
	require.Len(t, entries, 1)
	assert.Equal(t, slog.LevelInfo, entries[0].Level)
	diff, _ := entries[0].Attrs["diff"].(string)
	assert.Contains(t, diff, "build/pom.xml")
	assert.Contains(t, diff, "❌")
}

func TestRunner_MissingStoreForcesRewrite(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	put(t, f.project, "build/pom.xml", "X")
	require.NoError(t, f.pass(t).Err())

	require.NoError(t, os.RemoveAll(filepath.Join(f.stores, "mavenJava")))

	res := f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, dag.StepCompleted, res.FinalState["publish:mavenJava"])
	assert.Equal(t, int32(2), f.writes["mavenJava"].Load())
}

func TestRunner_ForceIgnoresFingerprint(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	put(t, f.project, "build/pom.xml", "X")
	require.NoError(t, f.pass(t).Err())

	f.runner.Force = true
	res := f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, dag.StepCompleted, res.FinalState["publish:mavenJava"])
	assert.Equal(t, int32(2), f.writes["mavenJava"].Load())

	var forced bool
	for _, ev := range f.rec.Snapshot() {
		if ev.Kind == trace.EventPublicationStale && ev.Reason == trace.ReasonForced {
			forced = true
		}
	}
	assert.True(t, forced)
}

func TestRunner_ExternalDestinationNeverSkipped(t *testing.T) {
	var calls atomic.Int32
	var gotDir atomic.Value
	ext := Publication{
		Name:        "release",
		Identity:    "g:a:1.0",
		Descriptors: []string{"build/pom.xml"},
		Destination: External,
		Writer: WriterFunc(func(_ context.Context, dir string) error {
			calls.Add(1)
			gotDir.Store(dir)
			return nil
		}),
	}
	f := newFixture(t, dplog.NewNopLogger(), ext)
	put(t, f.project, "build/pom.xml", "X")

	for i := 0; i < 2; i++ {
		res := f.pass(t)
		require.NoError(t, res.Err())
		assert.Equal(t, dag.StepCompleted, res.FinalState["publish:release"])
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "", gotDir.Load())

	_, ok, err := f.store.Load("release")
	require.NoError(t, err)
	assert.False(t, ok, "external publications must not record a fingerprint")
	assert.NoDirExists(t, filepath.Join(f.stores, "release"))
}

func TestRunner_WriteFailureKeepsFingerprintAndSkipsMerge(t *testing.T) {
	boom := errors.New("gradle exited 1")
	var fail atomic.Bool
	var count atomic.Int32
	var f *fixture
	pub := Publication{
		Name:        "mavenJava",
		Identity:    "g:a:1.0",
		Descriptors: []string{"build/pom.xml"},
		Writer: WriterFunc(func(ctx context.Context, dir string) error {
			if fail.Load() {
				return boom
			}
			return pomWriter(f.project, "build/pom.xml", "g/a/1.0/a-1.0.pom", &count).Write(ctx, dir)
		}),
	}
	logger, th := dplog.NewTestLogger(t, slog.LevelInfo)
	f = newFixture(t, logger, pub)

	put(t, f.project, "build/pom.xml", "X")
	require.NoError(t, f.pass(t).Err())
	before, _, err := f.store.Load("mavenJava")
	require.NoError(t, err)

	put(t, f.project, "build/pom.xml", "Y")
	fail.Store(true)
	res := f.pass(t)
	assert.ErrorIs(t, res.Err(), boom)
	assert.ErrorIs(t, res.Err(), staging.ErrWriteFailed)
	assert.Equal(t, dag.StepFailed, res.FinalState["publish:mavenJava"])
	assert.Equal(t, dag.StepSkipped, res.FinalState["merge"])
	assert.True(t, dplog.HasMessage(th, "step failed"))

	after, _, err := f.store.Load("mavenJava")
	require.NoError(t, err)
	assert.Equal(t, before, after, "a failed write must not update the fingerprint")
	assert.Equal(t, "X", read(t, filepath.Join(f.dest, "g/a/1.0/a-1.0.pom")))

	// the next pass retries
	fail.Store(false)
	res = f.pass(t)
	require.NoError(t, res.Err())
	assert.Equal(t, "Y", read(t, filepath.Join(f.dest, "g/a/1.0/a-1.0.pom")))
}

func TestRunner_MergeIncludesImports(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	put(t, f.project, "build/pom.xml", "X")

	imported := t.TempDir()
	put(t, imported, "other/h/b/2.0/b-2.0.pom", "B")
	f.runner.Imports = []merge.Input{{Dir: imported, Kind: merge.PublicationStores}}

	require.NoError(t, f.pass(t).Err())
	files, err := fsutil.ListFiles(f.dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"g/a/1.0/a-1.0.pom", "h/b/2.0/b-2.0.pom"}, files)

	inputs := f.runner.MergeInputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, f.stores, inputs[0].Dir)
}

func TestRunner_UnchangedMergeReportsNoChanges(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	put(t, f.project, "build/pom.xml", "X")
	require.NoError(t, f.pass(t).Err())

	res := f.pass(t)
	require.NoError(t, res.Err())
	assert.False(t, res.Results["merge"].Changed)

	events := f.rec.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, trace.EventRepositoryMerged, last.Kind)
	assert.Equal(t, trace.ReasonNoChanges, last.Reason)
}

func TestNewRunner_Rejects(t *testing.T) {
	w := WriterFunc(func(context.Context, string) error { return nil })
	cfg := RunnerConfig{
		Engine:  fingerprint.NewEngine(fingerprint.SHA256),
		Store:   fingerprint.NewMemoryStore(),
		Staging: staging.New(t.TempDir(), t.TempDir(), time.Second, nil),
		Syncer:  merge.NewSyncer(t.TempDir(), time.Second, nil),
	}

	_, err := NewRunner(cfg, []Publication{{Name: "a", Identity: "g:a:1", Writer: w}, {Name: "a", Identity: "g:a:1", Writer: w}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewRunner(cfg, []Publication{{Name: ".hidden", Identity: "g:a:1", Writer: w}})
	assert.ErrorIs(t, err, fsutil.ErrInvalidName)

	_, err = NewRunner(cfg, []Publication{{Name: "a", Identity: "nope", Writer: w}})
	assert.Error(t, err)

	_, err = NewRunner(cfg, []Publication{{Name: "a", Identity: "g:a:1"}})
	assert.ErrorContains(t, err, "no writer")

	bad := cfg
	bad.Store = nil
	_, err = NewRunner(bad, nil)
	assert.Error(t, err)

	r, err := NewRunner(cfg, []Publication{{Name: "b", Identity: "g:b:1", Writer: w}, {Name: "a", Identity: "g:a:1", Writer: w}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, err = r.Graph("zzz")
	assert.ErrorContains(t, err, "unknown publication")
}

func TestRunner_Status(t *testing.T) {
	f := newFixture(t, dplog.NewNopLogger())
	put(t, f.project, "build/pom.xml", "X")

	st, err := f.runner.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.False(t, st[0].HasStored)
	assert.False(t, st[0].UpToDate)
	assert.Contains(t, st[0].Diff, "<missing>")

	require.NoError(t, f.pass(t).Err())

	st, err = f.runner.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st[0].HasStored)
	assert.True(t, st[0].StoreExists)
	assert.True(t, st[0].UpToDate)
	assert.Equal(t, st[0].Current, st[0].Stored)

	put(t, f.project, "build/pom.xml", "Y")
	st, err = f.runner.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st[0].UpToDate)
	assert.Contains(t, st[0].Diff, "❌")
}

func TestParseDestination(t *testing.T) {
	d, err := ParseDestination("")
	require.NoError(t, err)
	assert.Equal(t, Internal, d)

	d, err = ParseDestination("External")
	require.NoError(t, err)
	assert.Equal(t, External, d)
	assert.Equal(t, "external", d.String())

	_, err = ParseDestination("s3")
	assert.Error(t, err)
}
