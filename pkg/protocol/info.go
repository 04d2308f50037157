package protocol

import "time"

// Snapshot of a step for reporting.
type StepInfo struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	State      StepState `json:"state"`
	Result     Result    `json:"result"`
	Summary    string    `json:"summary,omitempty"`
	LogID      string    `json:"log_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Snapshot of a build for reporting.
type BuildInfo struct {
	ID         string     `json:"id"`
	Builder    string     `json:"builder"`
	RequestID  int64      `json:"request_id"`
	BuildSetID int64      `json:"buildset_id"`
	Worker     string     `json:"worker"`
	State      BuildState `json:"state"`
	Result     Result     `json:"result"`
	Reason     string     `json:"reason,omitempty"`
	Steps      []StepInfo `json:"steps,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Snapshot of a worker for reporting.
type WorkerInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	State       WorkerState `json:"state"`
	Builders    []string    `json:"builders"`
	MaxBuilds   int         `json:"max_builds"`
	Builds      []string    `json:"builds,omitempty"`
	Properties  []Property  `json:"properties,omitempty"`
	ConnectedAt time.Time   `json:"connected_at"`
}

// Snapshot of a finished buildset for reporting.
type BuildSetInfo struct {
	ID          int64     `json:"id"`
	Reason      string    `json:"reason"`
	ExternalID  string    `json:"external_id,omitempty"`
	Result      Result    `json:"result"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type EventType string

const (
	EventBuildStarted     EventType = "build.started"
	EventStepUpdate       EventType = "step.update"
	EventBuildFinished    EventType = "build.finished"
	EventBuildsetFinished EventType = "buildset.finished"
)

// An event published to external consumers.
type Event struct {
	Type     EventType     `json:"type"`
	Time     time.Time     `json:"time"`
	Build    *BuildInfo    `json:"build,omitempty"`
	Step     *StepInfo     `json:"step,omitempty"`
	Lines    []LogLine     `json:"lines,omitempty"`
	BuildSet *BuildSetInfo `json:"buildset,omitempty"`
}
