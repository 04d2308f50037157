package protocol

import (
	"fmt"
	"time"
)

// Kind of step. The set of kinds is closed; each kind has a
// registered handler on the worker.
type StepKind string

const (
	StepShell StepKind = "shell"
	StepNoop  StepKind = "noop"
)

// How a non-zero exit status of a step is reported.
type OutcomePolicy string

const (
	// Non-zero exit status is a FAILURE. This is the default.
	OutcomeFlunk OutcomePolicy = "flunk"
	// Non-zero exit status is reported as WARNINGS.
	OutcomeWarn OutcomePolicy = "warn"
	// Exit status is ignored.
	OutcomeIgnore OutcomePolicy = "ignore"
)

// A step of a builder.
type StepSpec struct {
	// Name of the step, unique within the builder.
	Name string `json:"name" mapstructure:"name"`
	// Kind of step.
	Kind StepKind `json:"kind" mapstructure:"kind"`
	// Command and arguments for shell steps.
	Command []string `json:"command,omitempty" mapstructure:"command"`
	// Extra environment variables.
	Env map[string]string `json:"env,omitempty" mapstructure:"env"`
	// Working directory, relative to the worker's build directory.
	Workdir string `json:"workdir,omitempty" mapstructure:"workdir"`
	// Maximum run time of the step. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	// Result reported for a non-zero exit status.
	OnFailure OutcomePolicy `json:"on_failure,omitempty" mapstructure:"on_failure"`
	// Keep running later steps when this step fails.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" mapstructure:"continue_on_failure"`
	// Run this step even if an earlier step halted the build.
	AlwaysRun bool `json:"always_run,omitempty" mapstructure:"always_run"`
}

// Checks that the step is well formed.
func (s *StepSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step has no name")
	}

	switch s.Kind {
	case StepShell:
		if len(s.Command) == 0 {
			return fmt.Errorf("step %s: shell step requires a command", s.Name)
		}
	case StepNoop:
	case "":
		return fmt.Errorf("step %s: no kind", s.Name)
	default:
		return fmt.Errorf("step %s: unknown kind %q", s.Name, s.Kind)
	}

	switch s.OnFailure {
	case "", OutcomeFlunk, OutcomeWarn, OutcomeIgnore:
	default:
		return fmt.Errorf("step %s: unknown on_failure policy %q", s.Name, s.OnFailure)
	}

	if s.Timeout < 0 {
		return fmt.Errorf("step %s: negative timeout", s.Name)
	}

	return nil
}

// Maps the exit status of a command to a result according to the step's policy.
func (s *StepSpec) ResultForExit(code int) Result {
	if code == 0 {
		return ResultSuccess
	}

	switch s.OnFailure {
	case OutcomeWarn:
		return ResultWarnings
	case OutcomeIgnore:
		return ResultSuccess
	default:
		return ResultFailure
	}
}

// Returns true if a step finishing with the given result stops the build.
func (s *StepSpec) Halts(result Result) bool {
	return result.IsFailure() && !s.ContinueOnFailure
}
