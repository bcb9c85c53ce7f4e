package align

import (
	"math"
	"unsafe"

	"scanalign/internal/fft"
)

// Pixel is the set of integral sample types a frame may store.
type Pixel interface {
	~int8 | ~int16 | ~int32 | ~uint8 | ~uint16 | ~uint32
}

// Frame is a row-major buffer of Rows*Cols samples.
type Frame[T Pixel] struct {
	Rows int
	Cols int
	Pix  []T
}

// NewFrame allocates a zeroed frame.
func NewFrame[T Pixel](rows, cols int) *Frame[T] {
	return &Frame[T]{Rows: rows, Cols: cols, Pix: make([]T, rows*cols)}
}

// Row returns row i as a slice into Pix.
func (f *Frame[T]) Row(i int) []T {
	return f.Pix[i*f.Cols : (i+1)*f.Cols]
}

// Clone deep-copies the frame.
func (f *Frame[T]) Clone() *Frame[T] {
	c := &Frame[T]{Rows: f.Rows, Cols: f.Cols, Pix: make([]T, len(f.Pix))}
	copy(c.Pix, f.Pix)
	return c
}

// pixelRange returns the representable range of T.
func pixelRange[T Pixel]() (lo, hi float64) {
	var zero T
	if ^zero > zero {
		return 0, float64(^zero)
	}
	bits := unsafe.Sizeof(zero) * 8
	hi = math.Exp2(float64(bits-1)) - 1
	return -hi - 1, hi
}

// spectra holds one split-complex spectrum per row with a padded stride.
type spectra[F fft.Float] struct {
	bins   int
	stride int
	re     []F
	im     []F
}

func newSpectra[F fft.Float](rows, bins int) *spectra[F] {
	stride := (bins + 7) &^ 7
	return &spectra[F]{
		bins:   bins,
		stride: stride,
		re:     make([]F, rows*stride),
		im:     make([]F, rows*stride),
	}
}

func (s *spectra[F]) row(i int) (re, im []F) {
	off := i * s.stride
	return s.re[off : off+s.bins], s.im[off : off+s.bins]
}

// aligner carries the shared read-only session state plus one worker's scratch.
type aligner[F fft.Float, T Pixel] struct {
	rows, cols int
	snake      bool
	upsample   int
	bank       *KernelBank[F]
	inds       []int
	ref        *spectra[F]
	engine     fft.Engine[F]

	// per-worker scratch
	mov    *spectra[F]
	line   []F
	xRe    []F
	xIm    []F
	rampRe []F
	rampIm []F
	lo, hi float64
}

func newAligner[F fft.Float, T Pixel](rows, cols int, snake bool, upsample int, bank *KernelBank[F], inds []int, ref *spectra[F], engine fft.Engine[F]) *aligner[F, T] {
	bins := engine.Bins()
	lo, hi := pixelRange[T]()
	return &aligner[F, T]{
		rows:     rows,
		cols:     cols,
		snake:    snake,
		upsample: upsample,
		bank:     bank,
		inds:     inds,
		ref:      ref,
		engine:   engine,
		mov:      newSpectra[F](rows, bins),
		line:     make([]F, cols),
		xRe:      make([]F, bins),
		xIm:      make([]F, bins),
		rampRe:   make([]F, bins),
		rampIm:   make([]F, bins),
		lo:       lo,
		hi:       hi,
	}
}

// referenceSpectra transforms every row of ref and conjugates the result.
func referenceSpectra[F fft.Float, T Pixel](ref *Frame[T], engine fft.Engine[F]) *spectra[F] {
	s := newSpectra[F](ref.Rows, engine.Bins())
	line := make([]F, ref.Cols)
	for i := 0; i < ref.Rows; i++ {
		for x, v := range ref.Row(i) {
			line[x] = F(v)
		}
		re, im := s.row(i)
		engine.Forward(re, im, line)
		for k := range im {
			im[k] = -im[k]
		}
	}
	return s
}

// alignFrame estimates the frame's mean horizontal shift against the
// reference, applies the correction in place and returns the shift in
// caller convention. The frame is left untouched on error.
func (a *aligner[F, T]) alignFrame(f *Frame[T]) (F, int, error) {
	for i := 0; i < a.rows; i++ {
		for x, v := range f.Row(i) {
			a.line[x] = F(v)
		}
		re, im := a.mov.row(i)
		a.engine.Forward(re, im, a.line)
	}

	shift, sum := 0, 0
	for i := 0; i < a.rows; i++ {
		refRe, refIm := a.ref.row(i)
		movRe, movIm := a.mov.row(i)
		for k := range a.xRe {
			a.xRe[k] = refRe[k]*movRe[k] - refIm[k]*movIm[k]
			a.xIm[k] = refRe[k]*movIm[k] + refIm[k]*movRe[k]
		}

		seed := shift
		if a.snake {
			seed = -shift
		}
		var err error
		shift, err = a.bank.Search(a.xRe, a.xIm, seed)
		if err != nil {
			return 0, i, err
		}
		if a.snake && i%2 == 1 {
			sum -= shift
		} else {
			sum += shift
		}
	}
	mean := float64(sum) / float64(a.rows*a.upsample)

	k := -2 * math.Pi * mean / float64(a.cols)
	for n, idx := range a.inds {
		s, c := math.Sincos(k * float64(idx))
		a.rampRe[n] = F(c)
		a.rampIm[n] = F(s)
	}

	for i := 0; i < a.rows; i++ {
		re, im := a.mov.row(i)
		conj := F(1)
		if a.snake && i%2 == 1 {
			conj = -1
		}
		for n := range re {
			rr, ri := a.rampRe[n], conj*a.rampIm[n]
			re[n], im[n] = re[n]*rr-im[n]*ri, re[n]*ri+im[n]*rr
		}
		a.engine.Inverse(a.line, re, im)

		out := f.Row(i)
		scale := float64(a.cols)
		for x := range out {
			v := math.Round(float64(a.line[x]) / scale)
			out[x] = T(math.Min(math.Max(v, a.lo), a.hi))
		}
	}

	return F(-mean), 0, nil
}
