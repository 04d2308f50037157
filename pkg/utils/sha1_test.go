package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSha1Fields(t *testing.T) {
	assert.NotEqual(t, Sha1Fields("ab", "c"), Sha1Fields("a", "bc"))
	assert.Equal(t, Sha1Fields("main", "x"), Sha1Fields("main", "x"))
	assert.Len(t, Sha1Fields(), 40)
}
