package tasks

import (
	"context"
	"fmt"

	"scanalign/internal/align"
)

// AlignmentManager selects and executes processors.
type AlignmentManager struct {
	processors map[string]AlignmentProcessor
	order      []string
	preferred  string
}

// NewAlignmentManager registers one row-FFT processor per precision. The
// processor for preferred, when given, wins over quality estimates.
func NewAlignmentManager(preferred string) *AlignmentManager {
	m := &AlignmentManager{processors: make(map[string]AlignmentProcessor), preferred: preferred}
	for _, p := range []align.Precision{align.Double, align.Extended, align.Single} {
		m.Register(NewRowFFTProcessor(p))
	}
	return m
}

// Register a processor.
func (m *AlignmentManager) Register(p AlignmentProcessor) {
	if p == nil {
		return
	}
	if _, exists := m.processors[p.Name()]; !exists {
		m.order = append(m.order, p.Name())
	}
	m.processors[p.Name()] = p
}

// Processors exposes registry.
func (m *AlignmentManager) Processors() map[string]AlignmentProcessor {
	return m.processors
}

// Align runs the best processor for req.Precision on req.Stack.
func (m *AlignmentManager) Align(ctx context.Context, req AlignmentRequest) (AlignmentResult, error) {
	if req.Stack == nil || req.Stack.Len() == 0 {
		return AlignmentResult{}, fmt.Errorf("no frames to align")
	}
	ref := req.Stack.Frames[req.Stack.Len()-1]
	proc := m.selectProcessor(req.Precision, ref.Rows, ref.Cols)
	if proc == nil {
		return AlignmentResult{}, fmt.Errorf("no alignment processor available for %s precision", req.Precision)
	}
	return proc.Align(ctx, req)
}

func (m *AlignmentManager) selectProcessor(p align.Precision, rows, cols int) AlignmentProcessor {
	if m.preferred != "" {
		if proc, ok := m.processors[m.preferred]; ok && proc.IsAvailable() && proc.SupportsPrecision(p) {
			return proc
		}
	}

	var (
		best      AlignmentProcessor
		bestScore float64
	)

	for _, name := range m.order {
		proc := m.processors[name]
		if !proc.IsAvailable() || !proc.SupportsPrecision(p) {
			continue
		}

		score, err := proc.EstimateQuality(rows, cols)
		if err != nil {
			continue
		}
		if best == nil || score > bestScore {
			best = proc
			bestScore = score
		}
	}

	return best
}
