package tui

import (
	"math"
	"strconv"
	"strings"

	"github.com/chaz8081/blesense/internal/session"
)

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width points as one row of block glyphs
// scaled between the window's min and max. A flat series renders at the
// lowest level.
func Sparkline(points []session.Point, width int) string {
	if width <= 0 || len(points) == 0 {
		return ""
	}
	if len(points) > width {
		points = points[len(points)-width:]
	}

	lo, hi := valueRange(points)
	var b strings.Builder
	for _, p := range points {
		idx := 0
		if hi > lo {
			idx = int(scale(p.Value, lo, hi) * float64(len(sparkBlocks)-1))
		}
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}

// scale maps v into [0,1] relative to lo and hi. Spans wider than the
// float64 range overflow to Inf, so the halves are scaled separately.
func scale(v, lo, hi float64) float64 {
	f := (v - lo) / (hi - lo)
	if math.IsInf(hi-lo, 0) {
		f = (v/2 - lo/2) / (hi/2 - lo/2)
	}
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func valueRange(points []session.Point) (lo, hi float64) {
	lo, hi = points[0].Value, points[0].Value
	for _, p := range points[1:] {
		if p.Value < lo {
			lo = p.Value
		}
		if p.Value > hi {
			hi = p.Value
		}
	}
	return lo, hi
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
