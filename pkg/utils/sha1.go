package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

// Sha1Fields returns the hex encoded SHA1 digest of a list of fields.
// Fields are length prefixed so that ("ab", "c") and ("a", "bc") differ.
func Sha1Fields(fields ...string) string {
	h := sha1.New()
	for _, field := range fields {
		var prefix [4]byte
		n := len(field)
		prefix[0] = byte(n >> 24)
		prefix[1] = byte(n >> 16)
		prefix[2] = byte(n >> 8)
		prefix[3] = byte(n)
		h.Write(prefix[:])
		io.WriteString(h, field)
	}
	return hex.EncodeToString(h.Sum(nil))
}
