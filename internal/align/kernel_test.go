package align

import (
	"errors"
	"math"
	"testing"

	"scanalign/internal/fft"
)

func TestIndexTable(t *testing.T) {
	even := IndexTable(8)
	want := []int{0, 1, 2, 3, -4}
	for i := range want {
		if even[i] != want[i] {
			t.Fatalf("IndexTable(8) = %v, want %v", even, want)
		}
	}
	odd := IndexTable(7)
	if len(odd) != 4 || odd[3] != 3 {
		t.Fatalf("IndexTable(7) = %v, want [0 1 2 3]", odd)
	}
}

func TestKernelBankLayout(t *testing.T) {
	bank := NewKernelBank[float64](64, 16, 1.5)
	if bank.Radius() != 24 || bank.Len() != 47 {
		t.Fatalf("expected radius 24 and 47 kernels, got %d and %d", bank.Radius(), bank.Len())
	}
	re0, im0 := bank.Kernel(0)
	for n := range re0 {
		if re0[n] != 1 || im0[n] != 0 {
			t.Fatalf("offset 0 is not identity at bin %d: (%v,%v)", n, re0[n], im0[n])
		}
	}
	for _, off := range []int{1, 7, 23} {
		pr, pi := bank.Kernel(off)
		nr, ni := bank.Kernel(-off)
		for n := range pr {
			if pr[n] != nr[n] || pi[n] != -ni[n] {
				t.Fatalf("offset %d bin %d: negative kernel is not the conjugate", off, n)
			}
			if mag := math.Hypot(pr[n], pi[n]); math.Abs(mag-1) > 1e-12 {
				t.Fatalf("offset %d bin %d: magnitude %v", off, n, mag)
			}
		}
	}
}

// For odd row lengths the half-spectrum score equals the full inverse
// transform sampled at the kernel's offset.
func TestScoreMatchesInverseTransform(t *testing.T) {
	const cols = 31
	eng, err := fft.New[float64](cols, fft.Options{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	sig := make([]float64, cols)
	for i := range sig {
		sig[i] = math.Sin(float64(i)*0.7) + 0.1*float64(i%5)
	}
	xRe := make([]float64, eng.Bins())
	xIm := make([]float64, eng.Bins())
	eng.Forward(xRe, xIm, sig)
	full := make([]float64, cols)
	eng.Inverse(full, xRe, xIm)

	bank := NewKernelBank[float64](cols, 1, 3)
	for off := -2; off <= 2; off++ {
		want := full[((-off)%cols+cols)%cols]
		if got := bank.Score(off, xRe, xIm); math.Abs(got-want) > 1e-9 {
			t.Fatalf("offset %d: score %v, inverse %v", off, got, want)
		}
	}
	bank.SetCompensated(true)
	if got := bank.Score(1, xRe, xIm); math.Abs(got-full[cols-1]) > 1e-9 {
		t.Fatalf("compensated score %v, inverse %v", got, full[cols-1])
	}
}

func TestSearchPrefersNegativeOnTie(t *testing.T) {
	bank := NewKernelBank[float64](32, 4, 1)
	xRe := make([]float64, 17)
	xIm := make([]float64, 17)
	// score(i) = -2cos(step*i): a symmetric minimum at zero
	xRe[1] = -1

	_, err := bank.Search(xRe, xIm, 0)
	var se *SearchError
	if !errors.As(err, &se) {
		t.Fatalf("expected SearchError, got %v", err)
	}
	if se.Offset != -bank.Radius() {
		t.Fatalf("expected walk to leave the bank on the negative side, got offset %d", se.Offset)
	}
	if !errors.Is(err, ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted in chain")
	}
}

func TestSearchStaysOnLocalMaximum(t *testing.T) {
	bank := NewKernelBank[float64](32, 4, 1)
	xRe := make([]float64, 17)
	xIm := make([]float64, 17)
	xRe[1] = 1

	got, err := bank.Search(xRe, xIm, 0)
	if err != nil || got != 0 {
		t.Fatalf("expected peak at 0, got %d (%v)", got, err)
	}
	if _, err := bank.Search(xRe, xIm, bank.Radius()-1); !errors.Is(err, ErrSearchExhausted) {
		t.Fatalf("expected seed on the bank edge to be rejected, got %v", err)
	}
}

func TestPixelRange(t *testing.T) {
	check := func(name string, lo, hi, wantLo, wantHi float64) {
		t.Helper()
		if lo != wantLo || hi != wantHi {
			t.Fatalf("%s: got [%v,%v] want [%v,%v]", name, lo, hi, wantLo, wantHi)
		}
	}
	lo, hi := pixelRange[uint8]()
	check("uint8", lo, hi, 0, 255)
	lo, hi = pixelRange[int8]()
	check("int8", lo, hi, -128, 127)
	lo, hi = pixelRange[uint16]()
	check("uint16", lo, hi, 0, 65535)
	lo, hi = pixelRange[int16]()
	check("int16", lo, hi, -32768, 32767)
	lo, hi = pixelRange[int32]()
	check("int32", lo, hi, math.MinInt32, math.MaxInt32)
	lo, hi = pixelRange[uint32]()
	check("uint32", lo, hi, 0, math.MaxUint32)
}
