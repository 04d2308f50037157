package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorstOf(t *testing.T) {
	assert.Equal(t, ResultFailure, WorstOf(ResultSuccess, ResultWarnings, ResultFailure))
	assert.Equal(t, ResultRetry, WorstOf(ResultSuccess, ResultRetry))
	assert.Equal(t, ResultSuccess, WorstOf(ResultSuccess, ResultSuccess))
	assert.Equal(t, ResultSuccess, WorstOf())
}

func TestWorstOfIsNotNumeric(t *testing.T) {
	// SKIPPED has a larger code than FAILURE but ranks below it
	assert.Equal(t, ResultFailure, WorstOf(ResultSkipped, ResultFailure))
	// RETRY outranks EXCEPTION and FAILURE
	assert.Equal(t, ResultRetry, WorstOf(ResultFailure, ResultException, ResultRetry))
	// Cancellation masks everything
	assert.Equal(t, ResultCancelled, WorstOf(ResultRetry, ResultCancelled, ResultSuccess))
	assert.Equal(t, ResultSkipped, WorstOf(ResultSuccess, ResultSkipped))
	assert.Equal(t, ResultWarnings, WorstOf(ResultSkipped, ResultWarnings))
}

func TestResultWorse(t *testing.T) {
	assert.True(t, ResultCancelled.Worse(ResultRetry))
	assert.True(t, ResultFailure.Worse(ResultSkipped))
	assert.False(t, ResultSuccess.Worse(ResultSuccess))
	assert.False(t, ResultSkipped.Worse(ResultWarnings))
}

func TestResultText(t *testing.T) {
	data, err := ResultCancelled.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "USERCANCEL", string(data))

	var r Result
	assert.NoError(t, r.UnmarshalText([]byte("warnings")))
	assert.Equal(t, ResultWarnings, r)

	assert.NoError(t, r.UnmarshalText([]byte("cancelled")))
	assert.Equal(t, ResultCancelled, r)

	assert.Error(t, r.UnmarshalText([]byte("bogus")))
}
