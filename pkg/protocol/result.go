package protocol

import (
	"fmt"
	"strings"
)

// Result of a step, build, build request or buildset.
// The numeric values are stable and persisted, but they carry no ordering.
// Use WorstOf to combine results.
type Result int

const (
	ResultSuccess Result = iota
	ResultWarnings
	ResultFailure
	ResultSkipped
	ResultException
	ResultRetry
	ResultCancelled
)

// Results ordered from worst to best.
// The first entry of this list found among a set of results wins.
var resultPrecedence = []Result{
	ResultCancelled,
	ResultRetry,
	ResultException,
	ResultFailure,
	ResultWarnings,
	ResultSkipped,
	ResultSuccess,
}

var resultNames = map[Result]string{
	ResultSuccess:   "SUCCESS",
	ResultWarnings:  "WARNINGS",
	ResultFailure:   "FAILURE",
	ResultSkipped:   "SKIPPED",
	ResultException: "EXCEPTION",
	ResultRetry:     "RETRY",
	ResultCancelled: "USERCANCEL",
}

// WorstOf returns the worst of the given results.
// An empty list yields SUCCESS.
func WorstOf(results ...Result) Result {
	present := map[Result]bool{}
	for _, result := range results {
		present[result] = true
	}

	for _, result := range resultPrecedence {
		if present[result] {
			return result
		}
	}

	return ResultSuccess
}

// Worse returns true if r would win over other in WorstOf.
func (r Result) Worse(other Result) bool {
	return r != other && WorstOf(r, other) == r
}

// IsFailure returns true for results that halt a build by default.
func (r Result) IsFailure() bool {
	switch r {
	case ResultFailure, ResultException, ResultCancelled, ResultRetry:
		return true
	default:
		return false
	}
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ParseResult parses the name of a result, case insensitive.
// CANCELLED is accepted as an alias of USERCANCEL.
func ParseResult(name string) (Result, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "CANCELLED" {
		return ResultCancelled, nil
	}
	for result, str := range resultNames {
		if str == name {
			return result, nil
		}
	}
	return ResultSuccess, fmt.Errorf("unknown result: %q", name)
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(data []byte) error {
	result, err := ParseResult(string(data))
	if err != nil {
		return err
	}
	*r = result
	return nil
}
