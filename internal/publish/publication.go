// Package publish decides whether each publication needs writing, writes it
// through the staging coordinator, and rebuilds the merged repository.
//
// Runner is the dag.Runner for a publish pass: Probe is the fingerprint gate
// and Run performs publish and merge steps.
package publish

import (
	"context"
	"fmt"
	"strings"

	"devpublish/internal/fingerprint"
	"devpublish/internal/fsutil"
)

// Destination says where a publication is written.
type Destination int

const (
	// Internal publications go through staging into a publication store and
	// are gated by their fingerprint.
	Internal Destination = iota

	// External publications target a repository this tool does not own.
	// They are never skipped and never recorded in the fingerprint store.
	External
)

func (d Destination) String() string {
	switch d {
	case Internal:
		return "internal"
	case External:
		return "external"
	default:
		return fmt.Sprintf("destination(%d)", int(d))
	}
}

// ParseDestination accepts the configuration spelling of a destination.
// The empty string selects Internal.
func ParseDestination(raw string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "internal":
		return Internal, nil
	case "external":
		return External, nil
	default:
		return 0, fmt.Errorf("unknown destination %q (expected internal|external)", raw)
	}
}

// Writer produces a publication's files.
//
// For Internal publications stagingDir is an empty directory the files must
// be written into. For External publications stagingDir is empty and the
// writer targets its own repository.
type Writer interface {
	Write(ctx context.Context, stagingDir string) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, stagingDir string) error

func (f WriterFunc) Write(ctx context.Context, stagingDir string) error {
	return f(ctx, stagingDir)
}

// Publication is one publishable package.
type Publication struct {
	Name     string
	Identity fingerprint.Identity

	// Descriptors are the files fingerprinted for the skip decision,
	// relative to the runner's project dir or absolute. They are normally
	// the package's pom and module metadata, which already carry checksums
	// of every artifact they describe.
	Descriptors []string

	Destination Destination
	Writer      Writer
}

// Validate checks the publication is usable.
func (p Publication) Validate() error {
	if err := fsutil.ValidateName(p.Name); err != nil {
		return err
	}
	if err := p.Identity.Validate(); err != nil {
		return fmt.Errorf("publication %s: %w", p.Name, err)
	}
	if p.Writer == nil {
		return fmt.Errorf("publication %s: no writer", p.Name)
	}
	return nil
}

// ArtifactSet returns the descriptor set fingerprinted for p.
func (p Publication) ArtifactSet(root string) fingerprint.ArtifactSet {
	set := fingerprint.ArtifactSet{Root: root}
	for _, d := range p.Descriptors {
		set.Artifacts = append(set.Artifacts, fingerprint.Artifact{Path: d})
	}
	return set
}
