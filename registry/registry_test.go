package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	name    string
	closed  *[]string
	failErr error
}

func (f *fakeCloser) Close() error {
	*f.closed = append(*f.closed, f.name)
	return f.failErr
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("camera", 42)

	h, ok := r.Get("camera")
	require.True(t, ok)
	assert.Equal(t, 42, h)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestMustGetPanicsWhenMissing(t *testing.T) {
	r := New()
	assert.Panics(t, func() { r.MustGet("nope") })
}

func TestTeardownReverseOrder(t *testing.T) {
	r := New()
	var closed []string
	r.Register("first", &fakeCloser{name: "first", closed: &closed})
	r.Register("second", &fakeCloser{name: "second", closed: &closed})
	r.Register("third", &fakeCloser{name: "third", closed: &closed})

	errs := r.Teardown()
	assert.Empty(t, errs)
	assert.Equal(t, []string{"third", "second", "first"}, closed)
}

func TestTeardownCollectsErrorsWithoutStopping(t *testing.T) {
	r := New()
	var closed []string
	boom := errors.New("boom")
	r.Register("a", &fakeCloser{name: "a", closed: &closed, failErr: boom})
	r.Register("b", &fakeCloser{name: "b", closed: &closed})

	errs := r.Teardown()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, []string{"b", "a"}, closed)
}

func TestReregisterKeepsOriginalPosition(t *testing.T) {
	r := New()
	var closed []string
	r.Register("a", &fakeCloser{name: "a", closed: &closed})
	r.Register("b", &fakeCloser{name: "b", closed: &closed})
	r.Register("a", &fakeCloser{name: "a-replaced", closed: &closed})

	r.Teardown()
	assert.Equal(t, []string{"b", "a-replaced"}, closed)
}
