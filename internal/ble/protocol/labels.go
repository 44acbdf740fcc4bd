package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Kind selects how the value of a recognized label is parsed.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps "int" / "float" (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return KindInt, nil
	case "float", "double":
		return KindFloat, nil
	default:
		return 0, fmt.Errorf("protocol: unknown value kind %q", s)
	}
}

// LabelTable maps a payload label to the kind its value is parsed as.
// Labels are case-sensitive.
type LabelTable map[string]Kind

// Labels returns the table's labels in sorted order.
func (t LabelTable) Labels() []string {
	labels := make([]string, 0, len(t))
	for l := range t {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Merge returns a new table holding t overlaid with other.
func (t LabelTable) Merge(other LabelTable) LabelTable {
	out := make(LabelTable, len(t)+len(other))
	for l, k := range t {
		out[l] = k
	}
	for l, k := range other {
		out[l] = k
	}
	return out
}

// StepLabels is the label table of the step sensor firmware
// ("Analog:512,Avg:733.25").
var StepLabels = LabelTable{
	"Analog": KindInt,
	"Avg":    KindFloat,
}

// VitalsLabels is the label table of the vitals sensor firmware, which
// sends one "Label:Value" pair per notification.
var VitalsLabels = LabelTable{
	"BPM":  KindInt,
	"HRV":  KindFloat,
	"TMP":  KindFloat,
	"ECG":  KindInt,
	"SpO2": KindFloat,
}

var profiles = map[string]LabelTable{
	"step":   StepLabels,
	"vitals": VitalsLabels,
}

// Profile returns a copy of the built-in label table with the given name.
func Profile(name string) (LabelTable, bool) {
	t, ok := profiles[name]
	if !ok {
		return nil, false
	}
	return t.Merge(nil), true
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
