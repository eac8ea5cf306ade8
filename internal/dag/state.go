package dag

// StepState is the runtime state of a node during one execution.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"

	// StepCached marks a publish step whose stored fingerprint already
	// matched, so nothing was written.
	StepCached StepState = "CACHED"
)

// ExecutionState maps step name to its current state. The Graph itself is
// never mutated, so one Graph can be executed many times.
type ExecutionState map[string]StepState
