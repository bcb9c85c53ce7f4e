package parallel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestSplitCoversRangeContiguously(t *testing.T) {
	cases := []struct {
		n, workers int
		want       int
	}{
		{10, 3, 3},
		{2, 8, 2},
		{7, 1, 1},
		{100, 16, 16},
	}
	for _, tc := range cases {
		ranges := Split(tc.n, tc.workers)
		if len(ranges) != tc.want {
			t.Fatalf("Split(%d,%d): expected %d ranges, got %d", tc.n, tc.workers, tc.want, len(ranges))
		}
		next := 0
		for _, r := range ranges {
			if r.Start != next || r.Len() < 1 {
				t.Fatalf("Split(%d,%d): bad range %+v after %d", tc.n, tc.workers, r, next)
			}
			next = r.End
		}
		if next != tc.n {
			t.Fatalf("Split(%d,%d): ranges end at %d", tc.n, tc.workers, next)
		}
	}
	if Split(0, 4) != nil {
		t.Fatalf("expected no ranges for empty input")
	}
}

func TestRunJoinsAllWorkersAndReturnsLowestError(t *testing.T) {
	var done atomic.Int32
	err := For(8, 4, func(r Range) error {
		// later workers fail first in wall time
		time.Sleep(time.Duration(4-r.Worker) * 5 * time.Millisecond)
		done.Add(int32(r.Len()))
		if r.Worker >= 1 {
			return fmt.Errorf("worker %d failed", r.Worker)
		}
		return nil
	})
	if err == nil || err.Error() != "worker 1 failed" {
		t.Fatalf("expected error from worker 1, got %v", err)
	}
	if done.Load() != 8 {
		t.Fatalf("expected all 8 indices processed, got %d", done.Load())
	}
}

func TestRunRecoversPanics(t *testing.T) {
	err := For(4, 2, func(r Range) error {
		if r.Worker == 1 {
			panic("boom")
		}
		return nil
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Worker != 1 || pe.Value != "boom" {
		t.Fatalf("unexpected panic error %+v", pe)
	}
}

func TestWorkersDefault(t *testing.T) {
	if Workers(0) < 1 {
		t.Fatalf("expected at least one worker")
	}
	if Workers(3) != 3 {
		t.Fatalf("expected explicit worker count to be kept")
	}
}
