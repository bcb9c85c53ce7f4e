package align

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"scanalign/internal/fft"
	"scanalign/internal/parallel"
)

const (
	DefaultMaxShift       = 1.5
	DefaultUpsampleFactor = 16
)

// Options controls one Correlate call.
type Options struct {
	// Snake marks alternate rows as scanned in reverse.
	Snake bool
	// MaxShift bounds the searched displacement in pixels.
	MaxShift float64
	// UpsampleFactor is the subpixel resolution, in fractions of a pixel.
	UpsampleFactor int
	// Workers is the number of goroutines; zero means GOMAXPROCS.
	Workers int
	FFT     fft.Options
	// Compensated enables compensated summation in the search score.
	Compensated bool
	Logger      *slog.Logger
}

// DefaultOptions returns snake scanning with a 1.5 pixel window at 1/16 pixel.
func DefaultOptions() Options {
	return Options{
		Snake:          true,
		MaxShift:       DefaultMaxShift,
		UpsampleFactor: DefaultUpsampleFactor,
	}
}

// Validate checks opts against a frame geometry.
func (o Options) Validate(rows, cols int) error {
	switch {
	case rows < 1:
		return &ConfigError{Field: "rows", Reason: fmt.Sprintf("must be positive, got %d", rows)}
	case cols < 2:
		return &ConfigError{Field: "cols", Reason: fmt.Sprintf("must be at least 2, got %d", cols)}
	case math.IsNaN(o.MaxShift) || math.IsInf(o.MaxShift, 0) || o.MaxShift <= 0:
		return &ConfigError{Field: "max_shift", Reason: fmt.Sprintf("must be a positive finite number, got %v", o.MaxShift)}
	case o.UpsampleFactor < 1:
		return &ConfigError{Field: "upsample_factor", Reason: fmt.Sprintf("must be a positive integer, got %d", o.UpsampleFactor)}
	case BankRadius(o.MaxShift, o.UpsampleFactor) < 2:
		return &ConfigError{Field: "max_shift", Reason: "window must hold at least one subpixel step on each side"}
	case 2*o.MaxShift >= float64(cols)/2:
		return &ConfigError{Field: "max_shift", Reason: fmt.Sprintf("%v is too large for rows of %d columns", o.MaxShift, cols)}
	}
	return nil
}

func validateStack[T Pixel](frames []*Frame[T]) (rows, cols int, err error) {
	if len(frames) == 0 {
		return 0, 0, &ConfigError{Field: "frames", Reason: "stack is empty"}
	}
	for i, f := range frames {
		if f == nil {
			return 0, 0, &ConfigError{Field: "frames", Reason: fmt.Sprintf("frame %d is nil", i)}
		}
	}
	ref := frames[len(frames)-1]
	rows, cols = ref.Rows, ref.Cols
	for i, f := range frames {
		if f.Rows != rows || f.Cols != cols {
			return 0, 0, &ConfigError{Field: "frames", Reason: fmt.Sprintf("frame %d is %dx%d, reference is %dx%d", i, f.Rows, f.Cols, rows, cols)}
		}
		if len(f.Pix) != rows*cols {
			return 0, 0, &ConfigError{Field: "frames", Reason: fmt.Sprintf("frame %d holds %d samples, want %d", i, len(f.Pix), rows*cols)}
		}
	}
	return rows, cols, nil
}

// Correlate registers every frame of the stack against the last frame, which
// is the reference and is left unmodified. Each other frame is corrected in
// place and its horizontal shift in pixels is returned at the same index.
// A positive shift means the frame content was displaced toward increasing
// column index relative to the reference.
//
// Frames are split into contiguous ranges over opts.Workers goroutines. A
// failing frame keeps its original content and reports NaN; processing of
// every other frame continues, and the failure with the lowest frame index is
// returned as a *FrameError once all workers have finished.
func Correlate[F fft.Float, T Pixel](frames []*Frame[T], opts Options) ([]F, error) {
	rows, cols, err := validateStack(frames)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(rows, cols); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := len(frames) - 1
	shifts := make([]F, n)
	if n == 0 {
		return shifts, nil
	}

	fftOpts := opts.FFT
	if fftOpts.Logger == nil {
		fftOpts.Logger = logger
	}
	engine, err := fft.New[F](cols, fftOpts)
	if err != nil {
		return nil, err
	}

	bank := NewKernelBank[F](cols, opts.UpsampleFactor, opts.MaxShift)
	bank.SetCompensated(opts.Compensated)
	inds := IndexTable(cols)
	ref := referenceSpectra[F](frames[n], engine)

	start := time.Now()
	err = parallel.For(n, opts.Workers, func(r parallel.Range) error {
		eng := engine
		if r.Worker > 0 {
			eng = engine.Clone()
		}
		a := newAligner[F, T](rows, cols, opts.Snake, opts.UpsampleFactor, bank, inds, ref, eng)

		var first error
		for i := r.Start; i < r.End; i++ {
			shift, row, err := a.alignFrame(frames[i])
			if err != nil {
				shifts[i] = F(math.NaN())
				if first == nil {
					first = &FrameError{Index: i, Row: row, Err: err}
				}
				logger.Debug("frame alignment failed", "frame", i, "row", row, "error", err)
				continue
			}
			shifts[i] = shift
		}
		logger.Debug("alignment worker finished", "worker", r.Worker, "first", r.Start, "last", r.End-1)
		return first
	})

	logger.Debug("stack correlated",
		"frames", len(frames),
		"rows", rows,
		"cols", cols,
		"backend", engine.Backend(),
		"duration", time.Since(start),
	)
	return shifts, err
}
