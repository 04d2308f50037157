package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	sizes := map[string]int64{
		// Log stash sizes as written in buildmaster.yaml
		"10MiB":   10 << 20,
		"512MiB":  512 << 20,
		"4 GiB":   4 << 30,
		"1TiB":    1 << 40,
		"10G":     10 * 1000 * 1000 * 1000,
		"250MB":   250 * 1000 * 1000,
		"64K":     64 * 1000,
		"64KiB":   64 << 10,
		"2PiB":    2 << 50,
		"1E":      1000 * 1000 * 1000 * 1000 * 1000 * 1000,
		"1048576": 1 << 20,
		" 8MiB ":  8 << 20,

		// Zero disables the cap
		"0":    0,
		"0 B":  0,
		"0KiB": 0,
	}

	for input, expected := range sizes {
		size, err := ParseSize(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, size, input)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "12XB", "-1", "01K", "1.5GiB", "10 MiB B", "MiB"} {
		_, err := ParseSize(input)
		assert.ErrorIs(t, err, ErrParse, input)
	}
}

func TestHumanByteSize(t *testing.T) {
	sizes := map[int64]string{
		0:                 "0B",
		1000:              "1000B",
		64 << 10:          "64KiB",
		10 << 20:          "10.0MiB",
		512<<20 + 512<<10: "512.5MiB",
		4 << 30:           "4.00GiB",
		3 << 40:           "3.00TiB",
		1<<50 + 1<<49:     "1.50PiB",
	}

	for input, expected := range sizes {
		assert.Equal(t, expected, HumanByteSize(input), input)
	}
}
