package fft

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Float is the sample precision an Engine operates in.
type Float interface {
	~float32 | ~float64
}

// Backend names a transform implementation.
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendGonum Backend = "gonum"
	BackendGoDSP Backend = "go-dsp"
)

// Planning selects how much effort New spends choosing a backend.
type Planning int

const (
	// Estimate picks the default backend without running anything.
	Estimate Planning = iota
	// Measure times every candidate backend on a probe row and keeps the fastest.
	Measure
)

// ParseBackend maps a config string onto a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendGonum:
		return BackendGonum, nil
	case BackendGoDSP, "godsp":
		return BackendGoDSP, nil
	}
	return "", fmt.Errorf("unknown fft backend %q", s)
}

// ParsePlanning maps a config string onto a Planning.
func ParsePlanning(s string) (Planning, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "estimate":
		return Estimate, nil
	case "measure":
		return Measure, nil
	}
	return Estimate, fmt.Errorf("unknown fft planning %q", s)
}

func (p Planning) String() string {
	if p == Measure {
		return "measure"
	}
	return "estimate"
}

// Options configures engine construction.
type Options struct {
	Backend  Backend
	Planning Planning
	Logger   *slog.Logger
}

// Engine is a real-to-complex transform of fixed length.
//
// Forward writes Len()/2+1 bins into re and im. Inverse is unnormalized: a
// Forward followed by Inverse scales the row by Len(). Engines hold scratch
// buffers and are not safe for concurrent use; Clone one per goroutine.
type Engine[F Float] interface {
	Len() int
	Bins() int
	Backend() Backend
	Forward(re, im []F, row []F)
	Inverse(dst []F, re, im []F)
	Clone() Engine[F]
}

// PlanError reports a transform that could not be constructed.
type PlanError struct {
	N       int
	Backend Backend
	Err     error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("fft: cannot plan length %d with %s: %v", e.N, e.Backend, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// New plans an engine of length n.
func New[F Float](n int, opts Options) (Engine[F], error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendAuto
	}
	if n < 2 {
		return nil, &PlanError{N: n, Backend: backend, Err: fmt.Errorf("length must be at least 2")}
	}

	if backend != BackendAuto {
		return build[F](n, backend)
	}
	if opts.Planning != Measure {
		return build[F](n, BackendGonum)
	}
	return measure[F](n, opts.Logger)
}

func build[F Float](n int, backend Backend) (eng Engine[F], err error) {
	defer func() {
		if r := recover(); r != nil {
			eng = nil
			err = &PlanError{N: n, Backend: backend, Err: fmt.Errorf("%v", r)}
		}
	}()

	switch backend {
	case BackendGonum:
		return newGonum[F](n), nil
	case BackendGoDSP:
		return newGoDSP[F](n), nil
	}
	return nil, &PlanError{N: n, Backend: backend, Err: fmt.Errorf("unknown backend")}
}

const measureRounds = 8

func measure[F Float](n int, logger *slog.Logger) (Engine[F], error) {
	if logger == nil {
		logger = slog.Default()
	}

	probe := make([]F, n)
	for i := range probe {
		probe[i] = F(math.Sin(2*math.Pi*3*float64(i)/float64(n)) + 0.25*float64(i%7))
	}

	var (
		best     Engine[F]
		bestTime time.Duration
		lastErr  error
	)
	for _, backend := range []Backend{BackendGonum, BackendGoDSP} {
		eng, err := build[F](n, backend)
		if err != nil {
			lastErr = err
			continue
		}
		re := make([]F, eng.Bins())
		im := make([]F, eng.Bins())
		out := make([]F, n)

		eng.Forward(re, im, probe)
		start := time.Now()
		for i := 0; i < measureRounds; i++ {
			eng.Forward(re, im, probe)
			eng.Inverse(out, re, im)
		}
		elapsed := time.Since(start)
		logger.Debug("fft backend measured", "backend", backend, "n", n, "elapsed", elapsed)

		if best == nil || elapsed < bestTime {
			best, bestTime = eng, elapsed
		}
	}
	if best == nil {
		return nil, lastErr
	}
	logger.Debug("fft backend selected", "backend", best.Backend(), "n", n)
	return best, nil
}
