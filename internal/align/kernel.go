package align

import (
	"math"

	"scanalign/internal/fft"
)

// IndexTable returns the frequency index of each one-sided bin for rows of
// length cols. The Nyquist index is negated when cols is even.
func IndexTable(cols int) []int {
	inds := make([]int, cols/2+1)
	for i := range inds {
		inds[i] = i
	}
	if cols%2 == 0 {
		inds[len(inds)-1] = -inds[len(inds)-1]
	}
	return inds
}

// KernelBank holds one unit-phasor vector per candidate subpixel offset in
// [-(K-1), K-1], stored at index K-1+offset.
type KernelBank[F fft.Float] struct {
	radius      int
	bins        int
	re          [][]F
	im          [][]F
	compensated bool
}

// BankRadius is K = ceil(maxShift*upsample), the number of offsets on each
// side of zero including zero itself.
func BankRadius(maxShift float64, upsample int) int {
	return int(math.Ceil(maxShift * float64(upsample)))
}

// NewKernelBank precomputes exp(-j*2*pi*i*idx/(cols*upsample)) for every
// offset i and frequency index idx. Negative offsets are the conjugates of
// the positive ones.
func NewKernelBank[F fft.Float](cols, upsample int, maxShift float64) *KernelBank[F] {
	inds := IndexTable(cols)
	k := BankRadius(maxShift, upsample)
	b := &KernelBank[F]{
		radius: k,
		bins:   len(inds),
		re:     make([][]F, 2*k-1),
		im:     make([][]F, 2*k-1),
	}

	step := -2 * math.Pi / float64(cols*upsample)
	for i := 0; i < k; i++ {
		pre := make([]F, len(inds))
		pim := make([]F, len(inds))
		nim := make([]F, len(inds))
		for n, idx := range inds {
			s, c := math.Sincos(step * float64(i) * float64(idx))
			pre[n] = F(c)
			pim[n] = F(s)
			nim[n] = F(-s)
		}
		b.re[k-1+i], b.im[k-1+i] = pre, pim
		b.re[k-1-i], b.im[k-1-i] = pre, nim
	}
	return b
}

// Radius returns K.
func (b *KernelBank[F]) Radius() int { return b.radius }

// Len returns the number of kernels, 2K-1.
func (b *KernelBank[F]) Len() int { return len(b.re) }

// Kernel returns the phasor vector for offset, which must lie in [-(K-1), K-1].
func (b *KernelBank[F]) Kernel(offset int) (re, im []F) {
	return b.re[b.radius-1+offset], b.im[b.radius-1+offset]
}

// SetCompensated switches the score to Neumaier-compensated summation.
func (b *KernelBank[F]) SetCompensated(on bool) { b.compensated = on }

func (b *KernelBank[F]) inBank(offset int) bool {
	return offset > -b.radius && offset < b.radius
}

// Score is the real part of the inverse transform of x evaluated at the
// subpixel offset encoded by the kernel, using conjugate symmetry to sum
// only the non-negative frequencies.
func (b *KernelBank[F]) Score(offset int, xRe, xIm []F) F {
	kr, ki := b.Kernel(offset)
	if b.compensated {
		return compensatedScore(kr, ki, xRe, xIm)
	}
	var sum F
	for n := 1; n < len(kr); n++ {
		sum += xRe[n]*kr[n] - xIm[n]*ki[n]
	}
	return 2*sum + xRe[0]*kr[0]
}

func compensatedScore[F fft.Float](kr, ki, xRe, xIm []F) F {
	var sum, c float64
	for n := 1; n < len(kr); n++ {
		v := float64(xRe[n])*float64(kr[n]) - float64(xIm[n])*float64(ki[n])
		t := sum + v
		if math.Abs(sum) >= math.Abs(v) {
			c += (sum - t) + v
		} else {
			c += (v - t) + sum
		}
		sum = t
	}
	return F(2*(sum+c) + float64(xRe[0])*float64(kr[0]))
}

// Search climbs from seed to the nearest local maximum of Score. Neighbours
// are compared first; the walk then continues one offset at a time while the
// score keeps increasing and finally steps back onto the peak. A walk that
// would leave the bank returns a *SearchError.
func (b *KernelBank[F]) Search(xRe, xIm []F, seed int) (int, error) {
	if !b.inBank(seed-1) || !b.inBank(seed+1) {
		return seed, &SearchError{Offset: seed, Radius: b.radius}
	}

	negScore := b.Score(seed-1, xRe, xIm)
	maxScore := b.Score(seed, xRe, xIm)
	posScore := b.Score(seed+1, xRe, xIm)
	if negScore <= maxScore && posScore <= maxScore {
		return seed, nil
	}

	step := 1
	if negScore >= posScore {
		step = -1
	}
	shift := seed + step
	cur := posScore
	if step < 0 {
		cur = negScore
	}
	for cur > maxScore {
		maxScore = cur
		shift += step
		if !b.inBank(shift) {
			return shift, &SearchError{Offset: shift, Radius: b.radius}
		}
		cur = b.Score(shift, xRe, xIm)
	}
	return shift - step, nil
}
