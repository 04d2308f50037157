package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepValidate(t *testing.T) {
	step := &StepSpec{Name: "compile", Kind: StepShell, Command: []string{"make"}}
	assert.NoError(t, step.Validate())

	assert.Error(t, (&StepSpec{Kind: StepShell, Command: []string{"make"}}).Validate())
	assert.Error(t, (&StepSpec{Name: "compile", Kind: StepShell}).Validate())
	assert.Error(t, (&StepSpec{Name: "compile", Kind: "python"}).Validate())
	assert.Error(t, (&StepSpec{Name: "compile", Kind: StepNoop, OnFailure: "explode"}).Validate())
	assert.NoError(t, (&StepSpec{Name: "marker", Kind: StepNoop}).Validate())
}

func TestStepResultForExit(t *testing.T) {
	flunk := &StepSpec{Name: "test", Kind: StepShell}
	warn := &StepSpec{Name: "lint", Kind: StepShell, OnFailure: OutcomeWarn}
	ignore := &StepSpec{Name: "cleanup", Kind: StepShell, OnFailure: OutcomeIgnore}

	assert.Equal(t, ResultSuccess, flunk.ResultForExit(0))
	assert.Equal(t, ResultFailure, flunk.ResultForExit(1))
	assert.Equal(t, ResultWarnings, warn.ResultForExit(2))
	assert.Equal(t, ResultSuccess, ignore.ResultForExit(127))
}

func TestStepHalts(t *testing.T) {
	step := &StepSpec{Name: "test", Kind: StepShell}
	assert.True(t, step.Halts(ResultFailure))
	assert.True(t, step.Halts(ResultException))
	assert.False(t, step.Halts(ResultWarnings))

	step.ContinueOnFailure = true
	assert.False(t, step.Halts(ResultFailure))
}
