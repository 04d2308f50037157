package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(CodecName))
}

func TestCodecStatusUpdate(t *testing.T) {
	codec := jsonCodec{}
	result := ResultWarnings

	data, err := codec.Marshal(&WorkerMessage{
		Update: &StatusUpdate{
			CommandID: "c1",
			BuildID:   "b1",
			Step:      2,
			Kind:      UpdateFinished,
			ExitCode:  1,
			Result:    &result,
			Lines:     []LogLine{{Time: time.Unix(10, 0).UTC(), Stream: "stdout", Message: "hello"}},
		},
	})
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"result":"WARNINGS"`)

	msg := &WorkerMessage{}
	assert.NoError(t, codec.Unmarshal(data, msg))
	assert.Nil(t, msg.Enlist)
	assert.True(t, msg.Update.IsFinal())
	assert.Equal(t, ResultWarnings, *msg.Update.Result)
	assert.Equal(t, "hello", msg.Update.Lines[0].Message)
}
