package session

// Point is one charted reading: seconds since the session started and the
// field value.
type Point struct {
	Elapsed float64
	Value   float64
}

// DefaultHistoryCapacity is the number of points kept per field.
const DefaultHistoryCapacity = 20

// History is a fixed-capacity sequence of Points for one field. When full,
// pushing evicts the oldest point. History is not safe for concurrent use.
type History struct {
	capacity int
	points   []Point
}

// NewHistory creates an empty History. A capacity below 1 means
// DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		points:   make([]Point, 0, capacity),
	}
}

// Push appends p, evicting the oldest point if the history is full.
func (h *History) Push(p Point) {
	if len(h.points) == h.capacity {
		copy(h.points, h.points[1:])
		h.points[len(h.points)-1] = p
		return
	}
	h.points = append(h.points, p)
}

// Points returns a copy of the points, oldest first.
func (h *History) Points() []Point {
	out := make([]Point, len(h.points))
	copy(out, h.points)
	return out
}

// Len returns the number of points held.
func (h *History) Len() int { return len(h.points) }

// Cap returns the capacity.
func (h *History) Cap() int { return h.capacity }

// Last returns the newest point.
func (h *History) Last() (Point, bool) {
	if len(h.points) == 0 {
		return Point{}, false
	}
	return h.points[len(h.points)-1], true
}
