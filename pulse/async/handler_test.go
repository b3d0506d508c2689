package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *Handle) (Outcome, error) { return Success(""), nil }

	r.Register(NewUnit("b.unit", noop))
	r.Register(NewUnit("a.unit", noop))

	assert.True(t, r.Has("a.unit"))
	assert.False(t, r.Has("c.unit"))
	assert.Equal(t, []string{"a.unit", "b.unit"}, r.Names())

	u, ok := r.Get("b.unit")
	assert.True(t, ok)
	assert.Equal(t, "b.unit", u.Name())

	assert.Panics(t, func() { r.Register(NewUnit("a.unit", noop)) })
}
