package tasks

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"

	"scanalign/internal/align"
	"scanalign/internal/fsutil"
	"scanalign/internal/stackio"
)

// StackRequest defines inputs for aligned stacking.
type StackRequest struct {
	InputDir  string
	Output    string
	Method    string
	Precision align.Precision
	Options   align.Options
}

// StackResult captures output metadata.
type StackResult struct {
	OutputFile string
	Method     string
	ImageCount int
	Combined   int
	Dimensions string
	Alignment  AlignmentResult
}

// StackAligned registers the stack and combines the corrected frames into one
// 16-bit TIFF. Frames that failed to register are left out of the combination.
func StackAligned(ctx context.Context, mgr *AlignmentManager, req StackRequest) (StackResult, error) {
	method := mapMethod(req.Method)
	stack, res, err := loadAndAlign(ctx, mgr, req.InputDir, req.Precision, req.Options)
	if stack == nil {
		return StackResult{Method: method}, err
	}
	if err != nil && !isPartial(err) {
		return StackResult{Method: method, Alignment: res}, err
	}
	alignErr := err

	output := req.Output
	if output == "" || output[len(output)-1] == filepath.Separator {
		output = filepath.Join(output, fsutil.StripExt(req.InputDir)+"_"+method+".tif")
	}

	frames := usableFrames(stack.Frames, res.Shifts)
	combined, err := combine(frames, method)
	if err != nil {
		return StackResult{Method: method, Alignment: res}, err
	}
	if err := stackio.WriteFrame(output, combined); err != nil {
		return StackResult{Method: method, Alignment: res}, err
	}

	return StackResult{
		OutputFile: output,
		Method:     method,
		ImageCount: stack.Len(),
		Combined:   len(frames),
		Dimensions: fmt.Sprintf("%dx%d", combined.Cols, combined.Rows),
		Alignment:  res,
	}, alignErr
}

func mapMethod(method string) string {
	switch method {
	case "median", "max", "min":
		return method
	case "sigma":
		return "median"
	default:
		return "mean"
	}
}

// usableFrames drops frames whose shift is NaN. The reference has no shift
// entry and is always kept.
func usableFrames(frames []*align.Frame[uint16], shifts []float64) []*align.Frame[uint16] {
	out := make([]*align.Frame[uint16], 0, len(frames))
	for i, f := range frames {
		if i < len(shifts) && math.IsNaN(shifts[i]) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func combine(frames []*align.Frame[uint16], method string) (*align.Frame[uint16], error) {
	if len(frames) == 0 {
		return nil, stackio.ErrEmptyStack
	}
	first := frames[0]
	out := align.NewFrame[uint16](first.Rows, first.Cols)
	column := make([]uint16, len(frames))
	for k := range out.Pix {
		for i, f := range frames {
			column[i] = f.Pix[k]
		}
		out.Pix[k] = reduce(column, method)
	}
	return out, nil
}

func reduce(v []uint16, method string) uint16 {
	switch method {
	case "max":
		return slices.Max(v)
	case "min":
		return slices.Min(v)
	case "median":
		slices.Sort(v)
		n := len(v)
		if n%2 == 1 {
			return v[n/2]
		}
		return uint16((uint32(v[n/2-1]) + uint32(v[n/2]) + 1) / 2)
	default:
		var sum uint64
		for _, x := range v {
			sum += uint64(x)
		}
		return uint16(math.Round(float64(sum) / float64(len(v))))
	}
}
