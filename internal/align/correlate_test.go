package align

import (
	"errors"
	"math"
	"testing"

	"scanalign/internal/fft"
	"scanalign/internal/synth"
)

const (
	testRows = 8
	testCols = 128
	tol      = 1.0 / DefaultUpsampleFactor
)

func frameOf(pix []uint16) *Frame[uint16] {
	return &Frame[uint16]{Rows: testRows, Cols: testCols, Pix: pix}
}

// driftStack renders one frame per shift followed by an unshifted reference.
func driftStack(p *synth.Pattern, shifts []float64, snake bool) []*Frame[uint16] {
	frames := make([]*Frame[uint16], 0, len(shifts)+1)
	for _, s := range shifts {
		frames = append(frames, frameOf(p.Shifted(testRows, s, snake)))
	}
	return append(frames, frameOf(p.Shifted(testRows, 0, false)))
}

func cloneStack(frames []*Frame[uint16]) []*Frame[uint16] {
	out := make([]*Frame[uint16], len(frames))
	for i, f := range frames {
		out[i] = f.Clone()
	}
	return out
}

func mse(a, b *Frame[uint16]) float64 {
	var sum float64
	for i := range a.Pix {
		d := float64(a.Pix[i]) - float64(b.Pix[i])
		sum += d * d
	}
	return sum / float64(len(a.Pix))
}

func TestCorrelateZeroShift(t *testing.T) {
	p := synth.NewPattern(testCols, 1)
	frames := driftStack(p, []float64{0, 0, 0}, false)
	before := cloneStack(frames)

	shifts, err := Correlate[float64](frames, DefaultOptions())
	if err != nil {
		t.Fatalf("correlate failed: %v", err)
	}
	if len(shifts) != 3 {
		t.Fatalf("expected 3 shifts, got %d", len(shifts))
	}
	for i, s := range shifts {
		if math.Abs(s) >= tol {
			t.Fatalf("frame %d: expected ~0 shift, got %v", i, s)
		}
		for k := range frames[i].Pix {
			if d := int(frames[i].Pix[k]) - int(before[i].Pix[k]); d > 1 || d < -1 {
				t.Fatalf("frame %d sample %d changed by %d", i, k, d)
			}
		}
	}
}

func TestCorrelateRecoversKnownShift(t *testing.T) {
	truth := []float64{0.5, -0.75, 1.25, 0.3125, -1.0625}
	for _, snake := range []bool{false, true} {
		p := synth.NewPattern(testCols, 7)
		frames := driftStack(p, truth, snake)
		ref := frames[len(frames)-1].Clone()
		before := make([]float64, len(truth))
		for i := range truth {
			before[i] = mse(frames[i], ref)
		}

		opts := DefaultOptions()
		opts.Snake = snake
		shifts, err := Correlate[float64](frames, opts)
		if err != nil {
			t.Fatalf("snake=%v: correlate failed: %v", snake, err)
		}
		for i, want := range truth {
			if math.Abs(shifts[i]-want) > tol {
				t.Fatalf("snake=%v frame %d: got shift %v want %v", snake, i, shifts[i], want)
			}
			after := mse(frames[i], ref)
			if after > 2 || after > before[i]/100 {
				t.Fatalf("snake=%v frame %d: residual mse %v (before %v)", snake, i, after, before[i])
			}
		}
		if mse(frames[len(frames)-1], ref) != 0 {
			t.Fatalf("reference frame was modified")
		}
	}
}

func TestCorrelateSnakeSymmetry(t *testing.T) {
	truth := []float64{0.625, -1.1875, 0.25}
	p := synth.NewPattern(testCols, 11)

	opts := DefaultOptions()
	opts.Snake = true
	snakeShifts, err := Correlate[float64](driftStack(p, truth, true), opts)
	if err != nil {
		t.Fatalf("snake correlate failed: %v", err)
	}
	opts.Snake = false
	plainShifts, err := Correlate[float64](driftStack(p, truth, false), opts)
	if err != nil {
		t.Fatalf("plain correlate failed: %v", err)
	}
	for i := range truth {
		if math.Abs(snakeShifts[i]-plainShifts[i]) > 1e-9 {
			t.Fatalf("frame %d: snake %v vs plain %v", i, snakeShifts[i], plainShifts[i])
		}
	}
}

func TestCorrelateBoundaryExhaustion(t *testing.T) {
	p := synth.NewPattern(testCols, 3)
	opts := DefaultOptions()
	opts.Snake = false
	frames := driftStack(p, []float64{opts.MaxShift + 0.1}, false)
	before := frames[0].Clone()

	shifts, err := Correlate[float64](frames, opts)
	if !errors.Is(err, ErrSearchExhausted) {
		t.Fatalf("expected ErrSearchExhausted, got %v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Index != 0 {
		t.Fatalf("expected FrameError for frame 0, got %v", err)
	}
	if !math.IsNaN(shifts[0]) {
		t.Fatalf("expected NaN shift for failed frame, got %v", shifts[0])
	}
	if mse(frames[0], before) != 0 {
		t.Fatalf("failed frame was modified")
	}
}

func TestCorrelateParallelMatchesSerial(t *testing.T) {
	truth := []float64{0.1, -0.4, 0.9, 1.3, -1.2, 0.05, 0.7, -0.6, 0.33}
	p := synth.NewPattern(testCols, 5)
	serial := driftStack(p, truth, true)
	par := cloneStack(serial)

	opts := DefaultOptions()
	opts.Workers = 1
	a, err := Correlate[float64](serial, opts)
	if err != nil {
		t.Fatalf("serial correlate failed: %v", err)
	}
	opts.Workers = 4
	b, err := Correlate[float64](par, opts)
	if err != nil {
		t.Fatalf("parallel correlate failed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("frame %d: serial %v parallel %v", i, a[i], b[i])
		}
		for k := range serial[i].Pix {
			if serial[i].Pix[k] != par[i].Pix[k] {
				t.Fatalf("frame %d sample %d differs between serial and parallel runs", i, k)
			}
		}
	}
}

func TestCorrelatePartialFailure(t *testing.T) {
	truth := []float64{0.5, -0.25, 2.5, 0.75, 2.25, -0.5}
	p := synth.NewPattern(testCols, 9)
	frames := driftStack(p, truth, false)
	ref := frames[len(frames)-1].Clone()
	orig := cloneStack(frames)

	opts := DefaultOptions()
	opts.Snake = false
	opts.Workers = 3
	shifts, err := Correlate[float64](frames, opts)

	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Index != 2 {
		t.Fatalf("expected lowest failing frame 2, got %d", fe.Index)
	}
	for i, want := range truth {
		if i == 2 || i == 4 {
			if !math.IsNaN(shifts[i]) || mse(frames[i], orig[i]) != 0 {
				t.Fatalf("frame %d should be untouched with NaN shift, got %v", i, shifts[i])
			}
			continue
		}
		if math.Abs(shifts[i]-want) > tol {
			t.Fatalf("frame %d: got %v want %v", i, shifts[i], want)
		}
		if after := mse(frames[i], ref); after > 2 {
			t.Fatalf("frame %d not corrected, mse %v", i, after)
		}
	}
}

func TestCorrelatePrecisionsAgree(t *testing.T) {
	truth := []float64{0.4375, -0.875}
	p := synth.NewPattern(testCols, 21)
	for _, prec := range []Precision{Single, Double, Extended} {
		shifts, err := CorrelateWith(prec, driftStack(p, truth, true), DefaultOptions())
		if err != nil {
			t.Fatalf("%s: correlate failed: %v", prec, err)
		}
		for i, want := range truth {
			if math.Abs(shifts[i]-want) > tol {
				t.Fatalf("%s frame %d: got %v want %v", prec, i, shifts[i], want)
			}
		}
	}
}

func TestCorrelateGoDSPBackend(t *testing.T) {
	p := synth.NewPattern(testCols, 13)
	opts := DefaultOptions()
	opts.FFT = fft.Options{Backend: fft.BackendGoDSP}
	shifts, err := Correlate[float64](driftStack(p, []float64{-0.5}, true), opts)
	if err != nil {
		t.Fatalf("correlate failed: %v", err)
	}
	if math.Abs(shifts[0]+0.5) > tol {
		t.Fatalf("got shift %v want -0.5", shifts[0])
	}
}

func TestCorrelateSingleFrame(t *testing.T) {
	p := synth.NewPattern(testCols, 2)
	shifts, err := Correlate[float64](driftStack(p, nil, false), DefaultOptions())
	if err != nil || len(shifts) != 0 {
		t.Fatalf("expected empty result for reference-only stack, got %v (%v)", shifts, err)
	}
}

func TestCorrelateRejectsBadConfig(t *testing.T) {
	p := synth.NewPattern(testCols, 4)
	good := func() []*Frame[uint16] { return driftStack(p, []float64{0.5}, false) }

	cases := []struct {
		name   string
		frames []*Frame[uint16]
		mutate func(o *Options)
	}{
		{"zero max shift", good(), func(o *Options) { o.MaxShift = 0 }},
		{"negative max shift", good(), func(o *Options) { o.MaxShift = -1 }},
		{"nan max shift", good(), func(o *Options) { o.MaxShift = math.NaN() }},
		{"huge max shift", good(), func(o *Options) { o.MaxShift = 40 }},
		{"zero upsample", good(), func(o *Options) { o.UpsampleFactor = 0 }},
		{"window too small", good(), func(o *Options) { o.MaxShift = 0.05 }},
		{"empty stack", nil, func(o *Options) {}},
		{"mismatched frames", append(good(), NewFrame[uint16](testRows, testCols/2)), func(o *Options) {}},
		{"short buffer", []*Frame[uint16]{{Rows: testRows, Cols: testCols, Pix: make([]uint16, 10)}, frameOf(make([]uint16, testRows*testCols))}, func(o *Options) {}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			var before []*Frame[uint16]
			if len(tc.frames) > 0 && tc.frames[0] != nil {
				before = cloneStack(tc.frames)
			}
			_, err := Correlate[float64](tc.frames, opts)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			for i := range before {
				for k := range before[i].Pix {
					if before[i].Pix[k] != tc.frames[i].Pix[k] {
						t.Fatalf("frame %d modified despite configuration error", i)
					}
				}
			}
		})
	}
}

func TestCorrelateSignedPixels(t *testing.T) {
	p := synth.NewPattern(testCols, 17)
	src := driftStack(p, []float64{0.75}, false)
	frames := make([]*Frame[int16], len(src))
	for i, f := range src {
		g := NewFrame[int16](f.Rows, f.Cols)
		for k, v := range f.Pix {
			g.Pix[k] = int16(int(v) - 32768)
		}
		frames[i] = g
	}
	opts := DefaultOptions()
	opts.Snake = false
	shifts, err := Correlate[float32](frames, opts)
	if err != nil {
		t.Fatalf("correlate failed: %v", err)
	}
	if math.Abs(float64(shifts[0])-0.75) > tol {
		t.Fatalf("got %v want 0.75", shifts[0])
	}
}
