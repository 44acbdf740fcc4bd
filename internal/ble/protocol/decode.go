// Package protocol decodes the text payloads carried in sensor
// notifications. A payload is either a comma-separated list of
// "Label:Value" pairs or a single pair:
//
//	Analog:512,Avg:733.25
//	BPM:72
//
// Which labels are recognized, and whether their values are integers or
// floats, is set per peripheral with a LabelTable.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoRecognizedFields is returned when a payload yields no field from
// the label table.
var ErrNoRecognizedFields = errors.New("protocol: no recognized fields")

// FieldError reports a recognized label whose value did not parse. It is a
// warning: the rest of the payload is still decoded.
type FieldError struct {
	Label string
	Value string
	Kind  Kind
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("protocol: field %s: cannot parse %q as %s: %v", e.Label, e.Value, e.Kind, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

var errNotFinite = errors.New("value is not finite")

// Decoded is the result of one Decode call.
type Decoded struct {
	Sample   Sample
	Warnings []*FieldError
}

// Decoder turns notification payloads into Samples. It holds no state
// beyond its label table and is safe for concurrent use.
type Decoder struct {
	labels LabelTable
}

// NewDecoder creates a Decoder for the given label table.
func NewDecoder(labels LabelTable) (*Decoder, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("protocol: label table must not be empty")
	}
	return &Decoder{labels: labels.Merge(nil)}, nil
}

// Labels returns the decoder's label table.
func (d *Decoder) Labels() LabelTable {
	return d.labels.Merge(nil)
}

// Decode parses one payload. Segments without a colon and unknown labels
// are skipped. Values that fail to parse are reported in Warnings and
// left out of the sample. If no field parsed, the error wraps
// ErrNoRecognizedFields and Decoded still carries any warnings.
func (d *Decoder) Decode(payload []byte) (Decoded, error) {
	var (
		out      Decoded
		values   = make(map[string]float64)
		segments = strings.Split(string(payload), ",")
	)

	for _, seg := range segments {
		label, raw, ok := strings.Cut(seg, ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		raw = strings.TrimSpace(raw)

		kind, known := d.labels[label]
		if !known {
			continue
		}

		v, err := parseValue(kind, raw)
		if err != nil {
			out.Warnings = append(out.Warnings, &FieldError{Label: label, Value: raw, Kind: kind, Err: err})
			continue
		}
		values[label] = v
	}

	if len(values) == 0 {
		if len(out.Warnings) > 0 {
			return out, fmt.Errorf("%w: %d unparsable field(s)", ErrNoRecognizedFields, len(out.Warnings))
		}
		return out, ErrNoRecognizedFields
	}

	out.Sample = Sample{values: values}
	return out, nil
}

func parseValue(kind Kind, raw string) (float64, error) {
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errNotFinite
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported kind %s", kind)
	}
}
