// Package history keeps a small on-disk record of recent publish passes, so a
// later status can say what the last pass did and why it failed.
package history

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"devpublish/internal/dag"
	"devpublish/internal/fsutil"
	"devpublish/internal/lock"
	"devpublish/internal/merge"
	"devpublish/internal/staging"
)

type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

type FailureClass string

const (
	FailureWrite   FailureClass = "write"
	FailureCapture FailureClass = "capture"
	FailureMerge   FailureClass = "merge"
	FailureLock    FailureClass = "lock"
	FailureOther   FailureClass = "other"
)

// Failure is why one step of a pass failed.
type Failure struct {
	Step    string       `json:"step"`
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
}

func (f Failure) Validate() error {
	var errs []error
	if strings.TrimSpace(f.Step) == "" {
		errs = append(errs, errors.New("step is required"))
	}
	switch f.Class {
	case FailureWrite, FailureCapture, FailureMerge, FailureLock, FailureOther:
	default:
		errs = append(errs, fmt.Errorf("invalid class %q", f.Class))
	}
	if strings.TrimSpace(f.Message) == "" {
		errs = append(errs, errors.New("message is required"))
	}
	return errors.Join(errs...)
}

// Pass is the record of one publish pass.
type Pass struct {
	ID        string    `json:"id"`
	GraphHash string    `json:"graph_hash"`
	StartTime time.Time `json:"start_time"`
	Duration  string    `json:"duration"`
	Forced    bool      `json:"forced"`
	Status    Status    `json:"status"`

	// Steps maps every step to its final state.
	Steps map[string]dag.StepState `json:"steps"`

	Failures []Failure `json:"failures"`
}

func (p Pass) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" || strings.ContainsAny(p.ID, `/\`) {
		errs = append(errs, fmt.Errorf("invalid id %q", p.ID))
	}
	if strings.TrimSpace(p.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if p.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusInterrupted:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", p.Status))
	}
	if p.Steps == nil {
		errs = append(errs, errors.New("steps must be an object (not null)"))
	}
	for i, f := range p.Failures {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("failures[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// NewPassID returns an id that sorts by start time.
func NewPassID(start time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return start.UTC().Format("20060102T150405.000Z") + "-" + hex.EncodeToString(b[:]), nil
}

// Classify maps a step error onto a failure class.
func Classify(err error) FailureClass {
	switch {
	case errors.Is(err, lock.ErrTimeout):
		return FailureLock
	case errors.Is(err, staging.ErrCaptureFailed):
		return FailureCapture
	case errors.Is(err, staging.ErrWriteFailed):
		return FailureWrite
	case errors.Is(err, merge.ErrMergeFailed):
		return FailureMerge
	default:
		return FailureOther
	}
}

// FromResult builds the record of a finished pass. A nil res means the pass
// stopped before the graph finished; cause is then recorded as the failure.
func FromResult(id string, g *dag.Graph, start time.Time, forced bool, res *dag.GraphResult, cause error) Pass {
	p := Pass{
		ID:        id,
		GraphHash: string(g.Hash()),
		StartTime: start.UTC(),
		Duration:  time.Since(start).Round(time.Millisecond).String(),
		Forced:    forced,
		Status:    StatusSucceeded,
		Steps:     map[string]dag.StepState{},
		Failures:  []Failure{},
	}

	if res == nil {
		p.Status = StatusInterrupted
		for _, name := range g.TopologicalOrder() {
			p.Steps[name] = dag.StepPending
		}
		if cause != nil {
			p.Failures = append(p.Failures, Failure{Step: "pass", Class: Classify(cause), Message: cause.Error()})
		}
		return p
	}

	for name, st := range res.FinalState {
		p.Steps[name] = st
	}
	for _, name := range res.Failed() {
		err := res.Errors[name]
		msg := "failed"
		if err != nil {
			msg = err.Error()
		}
		p.Failures = append(p.Failures, Failure{Step: name, Class: Classify(err), Message: msg})
	}
	if len(p.Failures) > 0 {
		p.Status = StatusFailed
	}
	return p
}

// Store keeps pass records as <Dir>/<id>.json.
type Store struct {
	Dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("history dir is required")
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

// Save writes p atomically.
func (s *Store) Save(p Pass) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pass: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pass: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path(p.ID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write pass: %w", err)
	}
	return nil
}

// Load reads and validates one record.
func (s *Store) Load(id string) (Pass, error) {
	var p Pass
	if err := readJSONStrict(s.path(id), &p); err != nil {
		return Pass{}, err
	}
	if err := p.Validate(); err != nil {
		return Pass{}, fmt.Errorf("invalid pass on disk: %w", err)
	}
	return p, nil
}

// IDs lists the stored pass ids, oldest first.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Latest returns the most recent record, or nil when there is none.
func (s *Store) Latest() (*Pass, error) {
	ids, err := s.IDs()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	p, err := s.Load(ids[len(ids)-1])
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Prune removes all but the newest keep records.
func (s *Store) Prune(keep int) error {
	ids, err := s.IDs()
	if err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	for _, id := range ids[:len(ids)-keep] {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
