// Package parallel provides the fan-out/join primitive used for per-frame work.
//
// Work is split into contiguous index ranges, one goroutine per range,
// started fresh for every call and joined before Run returns.
package parallel

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Range is the half-open interval [Start, End) handed to one worker.
type Range struct {
	Worker int
	Start  int
	End    int
}

// Len is the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Workers resolves a requested worker count, using GOMAXPROCS when n <= 0.
func Workers(n int) int {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Split partitions [0, n) into at most workers contiguous, non-empty ranges
// whose sizes differ by at most one.
func Split(n, workers int) []Range {
	if n <= 0 {
		return nil
	}
	workers = Workers(workers)
	if workers > n {
		workers = n
	}
	ranges := make([]Range, 0, workers)
	for w := 0; w < workers; w++ {
		ranges = append(ranges, Range{
			Worker: w,
			Start:  n * w / workers,
			End:    n * (w + 1) / workers,
		})
	}
	return ranges
}

// PanicError is returned for a worker that panicked.
type PanicError struct {
	Worker int
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker %d panicked: %v", e.Worker, e.Value)
}

// Run calls fn for every range on its own goroutine and waits for all of them.
// Every worker runs to completion regardless of failures elsewhere. The error
// of the lowest-numbered failing worker is returned.
func Run(ranges []Range, fn func(r Range) error) error {
	if len(ranges) == 0 {
		return nil
	}

	errs := make([]error, len(ranges))
	var wg sync.WaitGroup
	for i, r := range ranges {
		wg.Add(1)
		go func(i int, r Range) {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					errs[i] = &PanicError{Worker: r.Worker, Value: v, Stack: debug.Stack()}
				}
			}()
			errs[i] = fn(r)
		}(i, r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// For splits [0, n) over workers and runs fn once per range.
func For(n, workers int, fn func(r Range) error) error {
	return Run(Split(n, workers), fn)
}
