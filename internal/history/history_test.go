package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpublish/internal/dag"
	"devpublish/internal/lock"
	"devpublish/internal/merge"
	"devpublish/internal/staging"
)

type stepRunner struct {
	fail map[string]error
}

func (r stepRunner) Probe(context.Context, dag.Step) (*dag.StepResult, bool, error) {
	return nil, false, nil
}

func (r stepRunner) Run(_ context.Context, step dag.Step) (*dag.StepResult, error) {
	if err := r.fail[step.Name]; err != nil {
		return nil, err
	}
	return &dag.StepResult{Changed: true}, nil
}

func runGraph(t *testing.T, fail map[string]error) (*dag.Graph, *dag.GraphResult) {
	t.Helper()
	g, err := dag.NewPublishGraph([]string{"a", "b"})
	require.NoError(t, err)
	ex, err := dag.NewExecutor(g, stepRunner{fail: fail})
	require.NoError(t, err)
	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	return g, res
}

func TestFromResult_Succeeded(t *testing.T) {
	g, res := runGraph(t, nil)
	p := FromResult("id-1", g, time.Now(), false, res, nil)

	require.NoError(t, p.Validate())
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Empty(t, p.Failures)
	assert.Equal(t, dag.StepCompleted, p.Steps["merge"])
	assert.Equal(t, string(g.Hash()), p.GraphHash)
}

func TestFromResult_ClassifiesFailures(t *testing.T) {
	cause := fmt.Errorf("%w: a: exit 1", staging.ErrWriteFailed)
	g, res := runGraph(t, map[string]error{"publish:a": cause})
	p := FromResult("id-2", g, time.Now(), true, res, nil)

	require.NoError(t, p.Validate())
	assert.Equal(t, StatusFailed, p.Status)
	assert.True(t, p.Forced)
	require.Len(t, p.Failures, 1)
	assert.Equal(t, "publish:a", p.Failures[0].Step)
	assert.Equal(t, FailureWrite, p.Failures[0].Class)
	assert.Equal(t, dag.StepSkipped, p.Steps["merge"])
}

func TestFromResult_Interrupted(t *testing.T) {
	g, err := dag.NewPublishGraph([]string{"a"})
	require.NoError(t, err)
	p := FromResult("id-3", g, time.Now(), false, nil, context.Canceled)

	require.NoError(t, p.Validate())
	assert.Equal(t, StatusInterrupted, p.Status)
	assert.Equal(t, dag.StepPending, p.Steps["publish:a"])
	require.Len(t, p.Failures, 1)
	assert.Equal(t, FailureOther, p.Failures[0].Class)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureLock, Classify(fmt.Errorf("staging a: %w", lock.ErrTimeout)))
	assert.Equal(t, FailureCapture, Classify(fmt.Errorf("%w: x", staging.ErrCaptureFailed)))
	assert.Equal(t, FailureMerge, Classify(fmt.Errorf("%w: x", merge.ErrMergeFailed)))
	assert.Equal(t, FailureOther, Classify(errors.New("boom")))
}

func TestStore_SaveLatestPrune(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "passes"))
	require.NoError(t, err)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	g, res := runGraph(t, nil)
	base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := NewPassID(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, s.Save(FromResult(id, g, base, false, res, nil)))
	}

	got, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	latest, err = s.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ids[3], latest.ID)

	require.NoError(t, s.Prune(2))
	got, err = s.IDs()
	require.NoError(t, err)
	assert.Equal(t, ids[2:], got)
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	assert.Error(t, s.Save(Pass{ID: "x"}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id":"bad","extra":1}`), 0o644))
	_, err = s.Load("bad")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "trail.json"), []byte(`{"id":"trail"} {}`), 0o644))
	_, err = s.Load("trail")
	assert.Error(t, err)

	_, err = NewStore(" ")
	assert.Error(t, err)
}
