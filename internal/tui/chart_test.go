package tui

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaz8081/blesense/internal/session"
)

func points(values ...float64) []session.Point {
	pts := make([]session.Point, len(values))
	for i, v := range values {
		pts[i] = session.Point{Elapsed: float64(i), Value: v}
	}
	return pts
}

func TestSparkline(t *testing.T) {
	tests := []struct {
		name  string
		pts   []session.Point
		width int
		want  string
	}{
		{"empty", nil, 10, ""},
		{"zero width", points(1, 2), 0, ""},
		{"flat", points(5, 5, 5), 10, "▁▁▁"},
		{"ramp", points(0, 7), 10, "▁█"},
		{"full range", points(0, 1, 2, 3, 4, 5, 6, 7), 10, "▁▂▃▄▅▆▇█"},
		{"window keeps newest", points(100, 0, 7), 2, "▁█"},
		{"extreme span", points(-1e308, 0, 1e308), 10, "▁▄█"},
		{"max float", points(-math.MaxFloat64, math.MaxFloat64), 10, "▁█"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sparkline(tt.pts, tt.width))
		})
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "512", formatValue(512))
	assert.Equal(t, "733.25", formatValue(733.25))
	assert.Equal(t, "-3", formatValue(-3))
}
