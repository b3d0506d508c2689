package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRelease(t *testing.T) {
	assert.True(t, IsRelease("v1.4.0"))
	assert.True(t, IsRelease("2.0.1"))
	assert.False(t, IsRelease("v1.5.0-rc.1"))
	assert.False(t, IsRelease("dev"))
}

func TestSatisfies(t *testing.T) {
	info := Info{Version: "v1.4.2"}

	ok, err := info.Satisfies(">= 1.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = info.Satisfies("^2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Info{Version: "dev"}.Satisfies("^2")
	require.NoError(t, err)
	assert.True(t, ok, "development builds are not constrained")

	_, err = info.Satisfies("not a constraint")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "pulseq dev (commit abc, built now)", Info{Version: "dev", CommitHash: "abc", BuildTime: "now"}.String())
	assert.Equal(t, "pulseq v1.0.0 (commit abc, built now)", Info{Version: "v1.0.0", CommitHash: "abc", BuildTime: "now"}.String())
	assert.Equal(t, "0123456", Info{CommitHash: "0123456789"}.Short())
}
