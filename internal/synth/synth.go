// Package synth generates band-limited periodic test frames whose rows can be
// displaced by exact subpixel amounts.
package synth

import (
	"math"
	"math/rand/v2"
)

const (
	baseLevel = 32768
	terms     = 8
)

type term struct {
	freq  int
	amp   float64
	phase float64
	drift float64
}

// Pattern is a sum of integer-frequency sinusoids over one row period, so a
// shifted copy is exactly representable by a Fourier phase ramp.
type Pattern struct {
	cols  int
	terms []term
}

// NewPattern builds a deterministic pattern for rows of length cols.
// Frequencies stay below cols/16 so the correlation peak is broad.
func NewPattern(cols int, seed uint64) *Pattern {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	maxFreq := cols / 16
	if maxFreq < 2 {
		maxFreq = 2
	}
	p := &Pattern{cols: cols}
	for i := 0; i < terms; i++ {
		p.terms = append(p.terms, term{
			freq:  1 + rng.IntN(maxFreq),
			amp:   300 + 2200*rng.Float64(),
			phase: 2 * math.Pi * rng.Float64(),
			drift: 0.2 + 0.6*rng.Float64(),
		})
	}
	return p
}

// Cols is the row length the pattern was built for.
func (p *Pattern) Cols() int { return p.cols }

// Value samples row at (possibly fractional) column x.
func (p *Pattern) Value(row int, x float64) float64 {
	v := float64(baseLevel)
	for _, t := range p.terms {
		v += t.amp * math.Cos(2*math.Pi*float64(t.freq)*x/float64(p.cols)+t.phase+t.drift*float64(row))
	}
	return v
}

// Frame renders rows with each row's content displaced by rowShift(row)
// columns toward increasing x.
func (p *Pattern) Frame(rows int, rowShift func(row int) float64) []uint16 {
	pix := make([]uint16, rows*p.cols)
	for r := 0; r < rows; r++ {
		s := 0.0
		if rowShift != nil {
			s = rowShift(r)
		}
		for x := 0; x < p.cols; x++ {
			pix[r*p.cols+x] = quantize(p.Value(r, float64(x)-s))
		}
	}
	return pix
}

// Shifted renders a frame displaced by shift. With snake set, odd rows are
// traversed in reverse and carry the opposite displacement.
func (p *Pattern) Shifted(rows int, shift float64, snake bool) []uint16 {
	return p.Frame(rows, func(row int) float64 {
		if snake && row%2 == 1 {
			return -shift
		}
		return shift
	})
}

func quantize(v float64) uint16 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
