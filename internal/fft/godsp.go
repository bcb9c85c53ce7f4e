package fft

import (
	"math/cmplx"

	dspfft "github.com/mjibson/go-dsp/fft"
)

// goDSPEngine adapts go-dsp, which returns the full two-sided spectrum and
// normalizes its inverse.
type goDSPEngine[F Float] struct {
	n    int
	seq  []float64
	full []complex128
}

func newGoDSP[F Float](n int) *goDSPEngine[F] {
	return &goDSPEngine[F]{
		n:    n,
		seq:  make([]float64, n),
		full: make([]complex128, n),
	}
}

func (d *goDSPEngine[F]) Len() int         { return d.n }
func (d *goDSPEngine[F]) Bins() int        { return d.n/2 + 1 }
func (d *goDSPEngine[F]) Backend() Backend { return BackendGoDSP }

func (d *goDSPEngine[F]) Forward(re, im []F, row []F) {
	for i, v := range row[:d.n] {
		d.seq[i] = float64(v)
	}
	coeffs := dspfft.FFTReal(d.seq)
	for i := 0; i < d.Bins(); i++ {
		re[i] = F(real(coeffs[i]))
		im[i] = F(imag(coeffs[i]))
	}
}

func (d *goDSPEngine[F]) Inverse(dst []F, re, im []F) {
	half := d.Bins()
	for k := 0; k < half; k++ {
		d.full[k] = complex(float64(re[k]), float64(im[k]))
	}
	// Only the real part of the Nyquist bin survives a real inverse.
	if d.n%2 == 0 {
		d.full[d.n/2] = complex(float64(re[d.n/2]), 0)
	}
	for k := half; k < d.n; k++ {
		d.full[k] = cmplx.Conj(d.full[d.n-k])
	}
	out := dspfft.IFFT(d.full)
	scale := float64(d.n)
	for i := range dst[:d.n] {
		dst[i] = F(real(out[i]) * scale)
	}
}

func (d *goDSPEngine[F]) Clone() Engine[F] {
	return newGoDSP[F](d.n)
}
