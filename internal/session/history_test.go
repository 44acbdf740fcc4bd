package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(20)
	for i := 0; i < 25; i++ {
		h.Push(Point{Elapsed: float64(i) / 10, Value: float64(i)})
	}

	pts := h.Points()
	assert.Len(t, pts, 20)
	assert.Equal(t, 20, h.Len())
	for i, p := range pts {
		assert.Equal(t, float64(i+5), p.Value)
	}

	last, ok := h.Last()
	assert.True(t, ok)
	assert.Equal(t, 24.0, last.Value)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistoryCapacity, NewHistory(0).Cap())
	assert.Equal(t, 3, NewHistory(3).Cap())

	_, ok := NewHistory(3).Last()
	assert.False(t, ok)
}

func TestHistoryPointsIsACopy(t *testing.T) {
	h := NewHistory(2)
	h.Push(Point{Value: 1})

	pts := h.Points()
	pts[0].Value = 99

	assert.Equal(t, 1.0, h.Points()[0].Value)
}
