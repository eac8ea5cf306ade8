// Package dag schedules one publish pass as a dependency graph.
//
// A pass has one publish step per publication and a single merge step whose
// predecessors are all publish steps, so the merged repository is only
// rebuilt once every publication store of the pass is final.
//
// The package is split into:
//   - an immutable, validated Graph with a stable GraphHash
//   - mutable ExecutionState driven by an Executor, serially or in parallel
//
// A failed step never aborts the pass: it is marked FAILED, everything
// downstream is marked SKIPPED, and independent steps still run.
package dag
