package logstash

import (
	"io"
	"testing"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockLogReader struct {
	mock.Mock
}

func (r *MockLogReader) ReadLine() (*protocol.LogLine, error) {
	args := r.Called()
	line := args.Get(0)
	err := args.Error(1)

	if line != nil {
		return line.(*protocol.LogLine), err
	}
	return nil, err
}

func (r *MockLogReader) Close() error {
	args := r.Called()
	return args.Error(0)
}

func TestLogFilter(t *testing.T) {
	line1 := &protocol.LogLine{Stream: "stdout", Message: "Hello"}
	line2 := &protocol.LogLine{Stream: "stderr", Message: "Jello"}
	reader := &MockLogReader{}
	reader.On("ReadLine").Return(line1, nil).Once()
	reader.On("ReadLine").Return(line2, nil).Once()
	reader.On("ReadLine").Return(nil, io.EOF)
	reader.On("Close").Return(nil)

	filtered := NewFilteredLogReader(reader)
	filtered.AddFilter(StreamFilter("stderr"))

	line, err := filtered.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "Jello", line.Message)

	_, err = filtered.ReadLine()
	assert.Equal(t, io.EOF, err)

	assert.NoError(t, filtered.Close())
	reader.AssertExpectations(t)
}
