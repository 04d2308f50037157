package protocol

// Lifecycle state of a build.
type BuildState string

const (
	BuildCreated     BuildState = "CREATED"
	BuildStarted     BuildState = "STARTED"
	BuildStepRunning BuildState = "STEP_RUNNING"
	BuildStepDone    BuildState = "STEP_DONE"
	BuildFinished    BuildState = "FINISHED"
)

// Should return true if the build is no longer in progress
func (s BuildState) IsTerminal() bool {
	return s == BuildFinished
}

// Should return true if the build occupies a worker
func (s BuildState) IsActive() bool {
	switch s {
	case BuildStarted, BuildStepRunning, BuildStepDone:
		return true
	default:
		return false
	}
}

// Lifecycle state of a single step within a build.
type StepState string

const (
	StepPending StepState = "PENDING"
	StepRunning StepState = "RUNNING"
	StepDone    StepState = "DONE"
	StepNotRun  StepState = "NOT_RUN"
)

// Administrative state of a worker.
type WorkerState string

const (
	WorkerRunning                 WorkerState = "RUNNING"
	WorkerPaused                  WorkerState = "PAUSED"
	WorkerGracefulShutdownPending WorkerState = "GRACEFUL_SHUTDOWN_PENDING"
	WorkerOffline                 WorkerState = "OFFLINE"
)
