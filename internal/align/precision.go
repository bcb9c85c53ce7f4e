package align

import (
	"fmt"
	"strings"
)

// Precision selects the arithmetic a registration runs in.
type Precision int

const (
	Single Precision = iota
	Double
	// Extended runs in float64 with compensated score accumulation.
	Extended
)

func (p Precision) String() string {
	switch p {
	case Single:
		return "single"
	case Extended:
		return "extended"
	default:
		return "double"
	}
}

// ParsePrecision accepts single/float32, double/float64 and extended.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "float", "float32":
		return Single, nil
	case "", "double", "float64":
		return Double, nil
	case "extended", "long", "compensated":
		return Extended, nil
	}
	return Double, fmt.Errorf("unknown precision %q", s)
}

// CorrelateWith runs Correlate at precision p and reports shifts as float64.
func CorrelateWith[T Pixel](p Precision, frames []*Frame[T], opts Options) ([]float64, error) {
	if p == Single {
		shifts, err := Correlate[float32](frames, opts)
		return widen(shifts), err
	}
	opts.Compensated = opts.Compensated || p == Extended
	return Correlate[float64](frames, opts)
}

func widen(in []float32) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
