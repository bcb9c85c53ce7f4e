package align

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is matched by every *ConfigError.
	ErrInvalidConfig = errors.New("invalid alignment configuration")
	// ErrSearchExhausted means the true shift lies beyond MaxShift.
	ErrSearchExhausted = errors.New("maxima not found within search window")
)

// ConfigError rejects a request before any transform work starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// SearchError reports the kernel offset at which the hill climb ran off the bank.
type SearchError struct {
	Offset int
	Radius int
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("%s (offset %d, bank radius %d)", ErrSearchExhausted, e.Offset, e.Radius)
}

func (e *SearchError) Unwrap() error { return ErrSearchExhausted }

// FrameError ties a failure to the frame it occurred on.
type FrameError struct {
	Index int
	Row   int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d row %d: %v", e.Index, e.Row, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
