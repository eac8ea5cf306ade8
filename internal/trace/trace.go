// Package trace records what a publish pass decided, step by step, in a
// canonical form that does not depend on scheduling order.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"devpublish/internal/fsutil"
)

// PublishTrace is the canonical record of one publish pass.
//
// It holds logical decisions only: no timestamps, durations, error strings or
// absolute paths. Two passes that made the same decisions produce the same
// bytes, whatever order parallel steps finished in.
type PublishTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind is the stable discriminator for Event. The string values are
// part of the canonical bytes.
type EventKind string

const (
	EventPublicationUpToDate EventKind = "PublicationUpToDate"
	EventPublicationStale    EventKind = "PublicationStale"
	EventPublicationWritten  EventKind = "PublicationWritten"
	EventStepFailed          EventKind = "StepFailed"
	EventStepSkipped         EventKind = "StepSkipped"
	EventRepositoryMerged    EventKind = "RepositoryMerged"
)

// Reason codes carried by Event.Reason.
const (
	ReasonNoStoredFingerprint = "NoStoredFingerprint"
	ReasonFingerprintChanged  = "FingerprintChanged"
	ReasonExternalDestination = "ExternalDestination"
	ReasonForced              = "Forced"
	ReasonUpstreamFailed      = "UpstreamFailed"
	ReasonWriteFailed         = "WriteFailed"
	ReasonMergeFailed         = "MergeFailed"
	ReasonNoChanges           = "NoChanges"
)

// Event is a single logical decision about one step.
type Event struct {
	Kind EventKind

	// Step names the graph node the event is about.
	Step string

	// Reason is a stable reason code.
	Reason string

	// Cause names a related upstream step, e.g. the failed step behind a skip.
	Cause string

	// Files lists relative paths the step produced or changed.
	Files []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *PublishTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Step == "" {
			return fmt.Errorf("events[%d].step is required for kind %q", i, e.Kind)
		}
		for j, f := range e.Files {
			if f == "" {
				return fmt.Errorf("events[%d].files[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts files within each event and orders events by
// (step, kind, reason, cause, files).
func (t *PublishTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Files = sortedCopy(t.Events[i].Files)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Files, b.Files)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventPublicationUpToDate:
		return 10
	case EventPublicationStale:
		return 20
	case EventPublicationWritten:
		return 30
	case EventRepositoryMerged:
		return 40
	case EventStepFailed:
		return 50
	case EventStepSkipped:
		return 60
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating the receiver.
func (t PublishTrace) CanonicalJSON() ([]byte, error) {
	cp := PublishTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex digest of the canonical JSON bytes.
func (t PublishTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// WriteFile writes the canonical JSON encoding to path atomically.
func (t PublishTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// MarshalJSON fixes field order.
func (t PublishTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"graphHash":`)
	writeJSONString(&buf, t.GraphHash)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeJSONString(&buf, string(e.Kind))

	optional := []struct{ key, val string }{
		{"step", e.Step},
		{"reason", e.Reason},
		{"cause", e.Cause},
	}
	for _, f := range optional {
		if f.val == "" {
			continue
		}
		buf.WriteString(`,"` + f.key + `":`)
		writeJSONString(&buf, f.val)
	}

	if files := sortedCopy(e.Files); len(files) > 0 {
		buf.WriteString(`,"files":[`)
		for i, f := range files {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(&buf, f)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
