package fft

import (
	"errors"
	"math"
	"testing"
)

func testRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		x := float64(i) / float64(n)
		row[i] = 100 + 20*math.Cos(2*math.Pi*3*x) + 7*math.Sin(2*math.Pi*5*x+0.3)
	}
	return row
}

func TestRoundTripBothBackends(t *testing.T) {
	for _, backend := range []Backend{BackendGonum, BackendGoDSP} {
		for _, n := range []int{16, 63, 100, 128} {
			eng, err := New[float64](n, Options{Backend: backend})
			if err != nil {
				t.Fatalf("%s n=%d: plan failed: %v", backend, n, err)
			}
			if eng.Bins() != n/2+1 {
				t.Fatalf("%s n=%d: expected %d bins, got %d", backend, n, n/2+1, eng.Bins())
			}
			row := testRow(n)
			re := make([]float64, eng.Bins())
			im := make([]float64, eng.Bins())
			out := make([]float64, n)
			eng.Forward(re, im, row)
			eng.Inverse(out, re, im)
			for i := range row {
				if got := out[i] / float64(n); math.Abs(got-row[i]) > 1e-7 {
					t.Fatalf("%s n=%d: sample %d got %v want %v", backend, n, i, got, row[i])
				}
			}
		}
	}
}

func TestForwardBinValues(t *testing.T) {
	const n = 64
	row := make([]float64, n)
	for i := range row {
		row[i] = 3 * math.Cos(2*math.Pi*4*float64(i)/n)
	}
	for _, backend := range []Backend{BackendGonum, BackendGoDSP} {
		eng, err := New[float64](n, Options{Backend: backend})
		if err != nil {
			t.Fatalf("plan failed: %v", err)
		}
		re := make([]float64, eng.Bins())
		im := make([]float64, eng.Bins())
		eng.Forward(re, im, row)
		if math.Abs(re[4]-3*n/2) > 1e-9 || math.Abs(im[4]) > 1e-9 {
			t.Fatalf("%s: bin 4 = (%v, %v), want (%v, 0)", backend, re[4], im[4], 3*n/2)
		}
		if math.Abs(re[0]) > 1e-9 {
			t.Fatalf("%s: expected zero DC, got %v", backend, re[0])
		}
	}
}

func TestBackendsAgree(t *testing.T) {
	const n = 90
	row := testRow(n)
	a, _ := New[float64](n, Options{Backend: BackendGonum})
	b, _ := New[float64](n, Options{Backend: BackendGoDSP})
	reA, imA := make([]float64, a.Bins()), make([]float64, a.Bins())
	reB, imB := make([]float64, b.Bins()), make([]float64, b.Bins())
	a.Forward(reA, imA, row)
	b.Forward(reB, imB, row)
	for k := range reA {
		if math.Abs(reA[k]-reB[k]) > 1e-7 || math.Abs(imA[k]-imB[k]) > 1e-7 {
			t.Fatalf("bin %d differs: gonum (%v,%v) go-dsp (%v,%v)", k, reA[k], imA[k], reB[k], imB[k])
		}
	}
}

func TestSinglePrecisionRoundTrip(t *testing.T) {
	const n = 128
	eng, err := New[float32](n, Options{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	src := testRow(n)
	row := make([]float32, n)
	for i, v := range src {
		row[i] = float32(v)
	}
	re := make([]float32, eng.Bins())
	im := make([]float32, eng.Bins())
	out := make([]float32, n)
	eng.Forward(re, im, row)
	eng.Inverse(out, re, im)
	for i := range row {
		if got := out[i] / n; math.Abs(float64(got-row[i])) > 1e-3 {
			t.Fatalf("sample %d got %v want %v", i, got, row[i])
		}
	}
}

func TestPlanErrors(t *testing.T) {
	var pe *PlanError
	if _, err := New[float64](1, Options{}); !errors.As(err, &pe) {
		t.Fatalf("expected PlanError for n=1, got %v", err)
	}
	if _, err := New[float64](32, Options{Backend: "fftw"}); !errors.As(err, &pe) {
		t.Fatalf("expected PlanError for unknown backend, got %v", err)
	}
	if pe.N != 32 {
		t.Fatalf("expected length in error, got %d", pe.N)
	}
}

func TestMeasureSelectsWorkingEngine(t *testing.T) {
	eng, err := New[float64](48, Options{Planning: Measure})
	if err != nil {
		t.Fatalf("measure failed: %v", err)
	}
	if eng.Backend() != BackendGonum && eng.Backend() != BackendGoDSP {
		t.Fatalf("unexpected backend %q", eng.Backend())
	}
	clone := eng.Clone()
	if clone.Len() != 48 || clone.Backend() != eng.Backend() {
		t.Fatalf("clone mismatch: len=%d backend=%s", clone.Len(), clone.Backend())
	}
}

func TestParseOptions(t *testing.T) {
	cases := []struct {
		in   string
		want Backend
		ok   bool
	}{
		{"", BackendAuto, true},
		{"Gonum", BackendGonum, true},
		{"godsp", BackendGoDSP, true},
		{"go-dsp", BackendGoDSP, true},
		{"fftw", "", false},
	}
	for _, tc := range cases {
		got, err := ParseBackend(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseBackend(%q) = %q, %v", tc.in, got, err)
		}
	}
	if p, err := ParsePlanning("measure"); err != nil || p != Measure {
		t.Fatalf("ParsePlanning(measure) = %v, %v", p, err)
	}
	if _, err := ParsePlanning("patient"); err == nil {
		t.Fatalf("expected error for unknown planning")
	}
}
