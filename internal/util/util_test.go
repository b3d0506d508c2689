package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", TruncateBytes("abc", 10))
	assert.Equal(t, "ab", TruncateBytes("abc", 2))
	assert.Equal(t, "", TruncateBytes("abc", 0))
	// "任务" is 6 bytes; cutting at 4 must not split the second rune
	assert.Equal(t, "任", TruncateBytes("任务", 4))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "exported 12 rows", FirstLine("\n exported 12 rows \nsecond\nthird"))
	assert.Equal(t, "single", FirstLine("single"))
	assert.Equal(t, "", FirstLine("  "))
}

func TestClampAndDigits(t *testing.T) {
	assert.Equal(t, 100.0, ClampFloat64(150, 0, 100))
	assert.Equal(t, 0.0, ClampFloat64(-1, 0, 100))
	assert.Equal(t, 42.5, ClampFloat64(42.5, 0, 100))

	assert.Equal(t, 1, Digits(0))
	assert.Equal(t, 1, Digits(9))
	assert.Equal(t, 3, Digits(100))
}

func TestPtr(t *testing.T) {
	p := Ptr(3)
	assert.Equal(t, 3, *p)
}
