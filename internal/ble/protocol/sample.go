package protocol

import (
	"sort"
	"strconv"
	"strings"
)

// Sample is one decoded set of readings. The zero value is an empty
// sample. A Sample is never modified after Decode returns it.
type Sample struct {
	values map[string]float64
}

// NewSample copies values into a new Sample.
func NewSample(values map[string]float64) Sample {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Sample{values: cp}
}

// Value returns the reading for field, if present.
func (s Sample) Value(field string) (float64, bool) {
	v, ok := s.values[field]
	return v, ok
}

// Len returns the number of fields in the sample.
func (s Sample) Len() int { return len(s.values) }

// IsZero reports whether the sample holds no fields.
func (s Sample) IsZero() bool { return len(s.values) == 0 }

// Fields returns the field names in sorted order.
func (s Sample) Fields() []string {
	fields := make([]string, 0, len(s.values))
	for f := range s.values {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Values returns a copy of the field/value mapping.
func (s Sample) Values() map[string]float64 {
	cp := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// String renders the sample in wire order-independent form, e.g.
// "Analog:512,Avg:733.25".
func (s Sample) String() string {
	var b strings.Builder
	for i, f := range s.Fields() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(s.values[f], 'f', -1, 64))
	}
	return b.String()
}
