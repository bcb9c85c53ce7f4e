package fft

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// gonumEngine wraps fourier.FFT, which keeps an internal work array.
type gonumEngine[F Float] struct {
	n     int
	plan  *fourier.FFT
	seq   []float64
	coeff []complex128
}

func newGonum[F Float](n int) *gonumEngine[F] {
	return &gonumEngine[F]{
		n:     n,
		plan:  fourier.NewFFT(n),
		seq:   make([]float64, n),
		coeff: make([]complex128, n/2+1),
	}
}

func (g *gonumEngine[F]) Len() int         { return g.n }
func (g *gonumEngine[F]) Bins() int        { return g.n/2 + 1 }
func (g *gonumEngine[F]) Backend() Backend { return BackendGonum }

func (g *gonumEngine[F]) Forward(re, im []F, row []F) {
	for i, v := range row[:g.n] {
		g.seq[i] = float64(v)
	}
	g.plan.Coefficients(g.coeff, g.seq)
	for i, c := range g.coeff {
		re[i] = F(real(c))
		im[i] = F(imag(c))
	}
}

// Inverse does not normalize, matching fourier.FFT.Sequence.
func (g *gonumEngine[F]) Inverse(dst []F, re, im []F) {
	for i := range g.coeff {
		g.coeff[i] = complex(float64(re[i]), float64(im[i]))
	}
	g.plan.Sequence(g.seq, g.coeff)
	for i, v := range g.seq {
		dst[i] = F(v)
	}
}

func (g *gonumEngine[F]) Clone() Engine[F] {
	return newGonum[F](g.n)
}
