package main

import (
	"testing"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceStamp(t *testing.T) {
	spec, err := parseSourceStamp("core:https://example.com/core.git@main#4f2a")
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceStampSpec{
		Codebase:   "core",
		Repository: "https://example.com/core.git",
		Branch:     "main",
		Revision:   "4f2a",
	}, spec)

	spec, err = parseSourceStamp("docs:https://example.com/docs.git")
	require.NoError(t, err)
	assert.Equal(t, "docs", spec.Codebase)
	assert.Equal(t, "", spec.Branch)
	assert.Equal(t, "", spec.Revision)

	_, err = parseSourceStamp("no-codebase")
	assert.Error(t, err)

	_, err = parseSourceStamp("core:")
	assert.Error(t, err)
}
