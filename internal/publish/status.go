package publish

import (
	"context"
	"fmt"

	"devpublish/internal/fingerprint"
)

// Status is the fingerprint state of one publication.
type Status struct {
	Name        string
	Destination Destination
	Current     string

	// Stored is empty when HasStored is false.
	Stored    string
	HasStored bool

	// StoreExists reports whether the publication store is present.
	StoreExists bool

	// UpToDate is what Probe would decide without Force.
	UpToDate bool

	// Diff renders Current against Stored.
	Diff string
}

// Status fingerprints every publication concurrently and compares each with
// its stored fingerprint. Nothing is written.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	jobs := make([]fingerprint.Job, len(r.names))
	for i, name := range r.names {
		p := r.pubs[name]
		jobs[i] = fingerprint.Job{Identity: p.Identity, Set: p.ArtifactSet(r.ProjectDir)}
	}
	records, err := r.Engine.ComputeAll(ctx, jobs)
	if err != nil {
		return nil, err
	}

	out := make([]Status, len(r.names))
	for i, name := range r.names {
		p := r.pubs[name]
		st := Status{Name: name, Destination: p.Destination, Current: records[i].Text()}

		stored, err := fingerprint.Stored(r.Store, name)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", name, err)
		}
		if stored != nil {
			st.Stored, st.HasStored = *stored, true
		}

		existing, err := r.Staging.Load(name)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", name, err)
		}
		st.StoreExists = existing != nil

		st.UpToDate = p.Destination == Internal &&
			st.StoreExists &&
			!fingerprint.ShouldPublish(st.Current, stored)
		st.Diff = fingerprint.Diff(st.Current, st.Stored)
		out[i] = st
	}
	return out, nil
}
