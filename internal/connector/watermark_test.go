package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatermarkReleasesContiguousPrefix(t *testing.T) {
	w := NewWatermark()
	e1 := w.Track("c1")
	e2 := w.Track("c2")
	e3 := w.Track("c3")

	assert.Empty(t, w.Accept(e2), "c2 waits behind pending c1")
	assert.Empty(t, w.Accept(e3), "c3 waits behind pending c1")
	assert.Equal(t, []string{"c1", "c2", "c3"}, w.Accept(e1))
	assert.Zero(t, w.Depth())
}

func TestWatermarkFailurePinsRelease(t *testing.T) {
	w := NewWatermark()
	e1 := w.Track("c1")
	e2 := w.Track("c2")

	w.Fail(e1)
	assert.Empty(t, w.Accept(e2), "an accepted cursor never passes a failed predecessor")
	assert.Equal(t, 2, w.Depth())
}

func TestWatermarkInOrderCompletion(t *testing.T) {
	w := NewWatermark()
	e1 := w.Track("c1")
	e2 := w.Track("c2")

	assert.Equal(t, []string{"c1"}, w.Accept(e1))
	assert.Equal(t, []string{"c2"}, w.Accept(e2))
}
