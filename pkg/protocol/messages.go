package protocol

import "time"

// A key/value property of a worker.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// First message sent by a worker after connecting.
type Enlist struct {
	// Unique, human readable name of the worker.
	Name string `json:"name"`
	// Builders the worker is configured to serve.
	Builders []string `json:"builders"`
	// Maximum number of simultaneous builds.
	MaxBuilds int `json:"max_builds"`
	// Platform properties of the worker.
	Properties []Property `json:"properties,omitempty"`
	// Worker software version.
	Version string `json:"version,omitempty"`
}

// Reply to an enlist request.
type Welcome struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
}

// Request to run one step of a build.
type StartCommand struct {
	CommandID string   `json:"command_id"`
	BuildID   string   `json:"build_id"`
	Step      int      `json:"step"`
	Spec      StepSpec `json:"spec"`
}

// Acknowledgment of a StartCommand. A non-empty error means the
// worker refused the command.
type CommandAck struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error,omitempty"`
}

// Request to interrupt a running command.
type Interrupt struct {
	CommandID string `json:"command_id"`
	BuildID   string `json:"build_id"`
	Reason    string `json:"reason,omitempty"`
}

// Liveness probe, echoed back by the worker.
type Ping struct {
	Nonce string `json:"nonce"`
}

// Request for the worker to disconnect and exit.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// A line of command output.
type LogLine struct {
	Time    time.Time `json:"time"`
	Stream  string    `json:"stream"`
	Message string    `json:"message"`
}

type UpdateKind string

const (
	// Incremental output of a running command.
	UpdateLog UpdateKind = "log"
	// Final update of a command.
	UpdateFinished UpdateKind = "finished"
)

// Status reported by a worker for a running command.
type StatusUpdate struct {
	CommandID string     `json:"command_id"`
	BuildID   string     `json:"build_id"`
	Step      int        `json:"step"`
	Kind      UpdateKind `json:"kind"`
	Lines     []LogLine  `json:"lines,omitempty"`
	// Exit status of the command, valid in the final update.
	ExitCode int `json:"exit_code"`
	// Result decided by the worker, overriding the exit status mapping.
	Result *Result `json:"result,omitempty"`
	// True if the command was stopped by an interrupt.
	Interrupted bool `json:"interrupted,omitempty"`
	// Short human readable summary of the outcome.
	Summary string `json:"summary,omitempty"`
	// Error that prevented the command from running.
	Error string `json:"error,omitempty"`
}

// Returns true if this is the last update for a command.
func (u *StatusUpdate) IsFinal() bool {
	return u.Kind == UpdateFinished
}

// Envelope of messages sent from a worker to the master.
// Exactly one field is set.
type WorkerMessage struct {
	Enlist *Enlist       `json:"enlist,omitempty"`
	Ack    *CommandAck   `json:"ack,omitempty"`
	Update *StatusUpdate `json:"update,omitempty"`
	Pong   *Ping         `json:"pong,omitempty"`
}

// Envelope of messages sent from the master to a worker.
// Exactly one field is set.
type MasterMessage struct {
	Welcome   *Welcome      `json:"welcome,omitempty"`
	Command   *StartCommand `json:"command,omitempty"`
	Interrupt *Interrupt    `json:"interrupt,omitempty"`
	Ping      *Ping         `json:"ping,omitempty"`
	Shutdown  *Shutdown     `json:"shutdown,omitempty"`
}
