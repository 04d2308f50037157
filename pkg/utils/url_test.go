package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUrls(t *testing.T) {
	host, err := ParseGrpcUrl("tcp://master")
	assert.NoError(t, err)
	assert.Equal(t, "master:9090", host)

	host, err = ParseGrpcUrl("tcp://master:7000")
	assert.NoError(t, err)
	assert.Equal(t, "master:7000", host)

	host, err = ParseHttpUrl("tcp://:80")
	assert.NoError(t, err)
	assert.Equal(t, ":80", host)

	host, err = ParseHttpUrl("tcp://")
	assert.NoError(t, err)
	assert.Equal(t, ":8080", host)

	_, err = ParseGrpcUrl("unix:///tmp/master.sock")
	assert.ErrorIs(t, err, ErrParse)
}
