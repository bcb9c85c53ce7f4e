package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"scanalign/internal/align"
	"scanalign/internal/fsutil"
	"scanalign/internal/stackio"
)

// AlignStackRequest defines one registration run over a stack on disk.
type AlignStackRequest struct {
	Input       string
	OutputDir   string
	Suffix      string
	Precision   align.Precision
	Options     align.Options
	WriteReport bool
}

// AlignStackResult captures written outputs and the registration result.
type AlignStackResult struct {
	AlignmentResult
	Names      []string
	Outputs    []string
	ReportPath string
	Rows       int
	Cols       int
}

// AlignStack loads the stack at req.Input, registers every frame to the last
// one and writes the corrected frames under req.OutputDir. A multi-page TIFF
// input is written back as one multi-page TIFF.
//
// When some frames fail to register the remaining frames are still written,
// the report marks the failures, and the returned error is a *align.FrameError.
func AlignStack(ctx context.Context, mgr *AlignmentManager, req AlignStackRequest) (AlignStackResult, error) {
	stack, res, err := loadAndAlign(ctx, mgr, req.Input, req.Precision, req.Options)
	out := AlignStackResult{AlignmentResult: res}
	if stack == nil {
		return out, err
	}
	out.Names = stack.Names
	out.Rows, out.Cols = stack.Frames[0].Rows, stack.Frames[0].Cols
	if err != nil && !isPartial(err) {
		return out, err
	}
	alignErr := err

	outDir := req.OutputDir
	if outDir == "" {
		outDir = defaultOutputDir(req.Input)
	}
	suffix := req.Suffix
	if suffix == "" {
		suffix = "_aligned"
	}

	if fsutil.IsMultiPage(req.Input) && !isDir(req.Input) {
		path := filepath.Join(outDir, fsutil.StripExt(req.Input)+suffix+".tif")
		if err := stackio.WriteMultiPage(path, stack); err != nil {
			return out, err
		}
		out.Outputs = []string{path}
	} else {
		paths, err := stackio.WriteDir(outDir, stack, suffix)
		out.Outputs = paths
		if err != nil {
			return out, err
		}
	}

	if req.WriteReport {
		out.ReportPath = filepath.Join(outDir, fsutil.StripExt(req.Input)+"_shifts.json")
		report := stackio.Report{
			Source:         req.Input,
			Reference:      res.Reference,
			Rows:           out.Rows,
			Cols:           out.Cols,
			Snake:          req.Options.Snake,
			MaxShift:       req.Options.MaxShift,
			UpsampleFactor: req.Options.UpsampleFactor,
			Precision:      res.Precision.String(),
			CreatedAt:      time.Now().UTC(),
			Frames:         stackio.ShiftRows(stack.Names, res.Shifts),
		}
		if alignErr != nil {
			report.Error = alignErr.Error()
		}
		if err := stackio.WriteReport(out.ReportPath, report); err != nil {
			return out, err
		}
	}
	return out, alignErr
}

// loadAndAlign returns a nil stack only when loading failed.
func loadAndAlign(ctx context.Context, mgr *AlignmentManager, input string, prec align.Precision, opts align.Options) (*stackio.Stack, AlignmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, AlignmentResult{}, err
	}
	stack, err := stackio.ReadStack(input)
	if err != nil {
		return nil, AlignmentResult{}, fmt.Errorf("load stack %s: %w", input, err)
	}
	res, err := mgr.Align(ctx, AlignmentRequest{Stack: stack, Precision: prec, Options: opts})
	return stack, res, err
}

func isPartial(err error) bool {
	var fe *align.FrameError
	return errors.As(err, &fe)
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func defaultOutputDir(input string) string {
	if isDir(input) {
		return filepath.Join(input, "aligned")
	}
	return filepath.Join(filepath.Dir(input), "aligned")
}
