package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"scanalign/internal/align"
	"scanalign/internal/config"
	"scanalign/internal/fft"
	"scanalign/internal/stackio"
)

// AlignmentProcessor registers one way of registering a stack in memory.
type AlignmentProcessor interface {
	Name() string
	IsAvailable() bool
	SupportsPrecision(p align.Precision) bool
	Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error)
	EstimateQuality(rows, cols int) (float64, error)
}

// AlignmentRequest carries a loaded stack. Frames are corrected in place.
type AlignmentRequest struct {
	Stack     *stackio.Stack
	Precision align.Precision
	Options   align.Options
}

// AlignmentResult captures per-frame shifts and run metrics.
type AlignmentResult struct {
	// Shifts has one entry per non-reference frame; NaN marks a failed frame.
	Shifts         []float64
	Reference      string
	Precision      align.Precision
	ProcessingTime time.Duration
	ToolUsed       string
	Failed         int
	Error          error
}

// Aligned reports how many frames received a correction.
func (r AlignmentResult) Aligned() int { return len(r.Shifts) - r.Failed }

// RowFFTProcessor runs the row-wise Fourier registration at one precision.
type RowFFTProcessor struct {
	precision align.Precision
}

// NewRowFFTProcessor returns the processor for precision p.
func NewRowFFTProcessor(p align.Precision) *RowFFTProcessor {
	return &RowFFTProcessor{precision: p}
}

func (p *RowFFTProcessor) Name() string { return "rowfft-" + p.precision.String() }

func (p *RowFFTProcessor) IsAvailable() bool { return true }

func (p *RowFFTProcessor) SupportsPrecision(pr align.Precision) bool { return pr == p.precision }

// EstimateQuality prefers double precision. Window checks happen in Align.
func (p *RowFFTProcessor) EstimateQuality(rows, cols int) (float64, error) {
	if rows < 1 || cols < 2 {
		return 0, fmt.Errorf("cannot register %dx%d frames", rows, cols)
	}
	switch p.precision {
	case align.Single:
		return 0.5, nil
	case align.Extended:
		return 0.8, nil
	default:
		return 1, nil
	}
}

func (p *RowFFTProcessor) Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error) {
	res := AlignmentResult{ToolUsed: p.Name(), Precision: p.precision}
	if req.Stack == nil || req.Stack.Len() == 0 {
		return res, stackio.ErrEmptyStack
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Reference = req.Stack.Names[req.Stack.Len()-1]

	start := time.Now()
	shifts, err := align.CorrelateWith(p.precision, req.Stack.Frames, req.Options)
	res.ProcessingTime = time.Since(start)
	res.Shifts = shifts
	for _, s := range shifts {
		if math.IsNaN(s) {
			res.Failed++
		}
	}
	res.Error = err
	return res, err
}

// AlignOptions builds correlator options and the precision from config.
func AlignOptions(cfg config.AlignmentConfig, logger *slog.Logger) (align.Options, align.Precision, error) {
	prec, err := align.ParsePrecision(cfg.Precision)
	if err != nil {
		return align.Options{}, prec, err
	}
	backend, err := fft.ParseBackend(cfg.FFTBackend)
	if err != nil {
		return align.Options{}, prec, err
	}
	planning, err := fft.ParsePlanning(cfg.FFTPlanning)
	if err != nil {
		return align.Options{}, prec, err
	}
	if cfg.MaxShift <= 0 || cfg.UpsampleFactor < 1 {
		return align.Options{}, prec, fmt.Errorf("invalid alignment window: max_shift=%v upsample_factor=%d", cfg.MaxShift, cfg.UpsampleFactor)
	}
	opts := align.Options{
		Snake:          cfg.Snake,
		MaxShift:       cfg.MaxShift,
		UpsampleFactor: cfg.UpsampleFactor,
		Workers:        cfg.Workers,
		FFT:            fft.Options{Backend: backend, Planning: planning, Logger: logger},
		Logger:         logger,
	}
	return opts, prec, nil
}
