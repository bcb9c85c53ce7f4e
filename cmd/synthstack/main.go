// Command synthstack writes a synthetic drifting stack with known row shifts,
// for trying out scanalign without a scanner.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"path/filepath"
	"time"

	"scanalign/internal/align"
	"scanalign/internal/stackio"
	"scanalign/internal/synth"
)

func main() {
	var (
		out      = flag.String("out", "synthstack", "output directory, or a .tif path for a multi-page stack")
		frames   = flag.Int("frames", 8, "number of frames including the reference")
		rows     = flag.Int("rows", 64, "rows per frame")
		cols     = flag.Int("cols", 256, "columns per frame")
		maxShift = flag.Float64("max-shift", 1.0, "largest drift in pixels")
		snake    = flag.Bool("snake", false, "render odd rows as a bidirectional scan")
		seed     = flag.Uint64("seed", 1, "random seed")
	)
	flag.Parse()

	if *frames < 1 || *rows < 1 || *cols < 2 {
		log.Fatalf("need at least one frame of 1x2 pixels")
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x5ca1ab1e))
	pattern := synth.NewPattern(*cols, *seed)
	stack := &stackio.Stack{Source: *out}
	shifts := make([]float64, *frames)
	for i := range shifts {
		// the last frame is the reference and stays put
		if i < *frames-1 {
			shifts[i] = (2*rng.Float64() - 1) * *maxShift
		}
		stack.Names = append(stack.Names, fmt.Sprintf("frame_%04d", i))
		stack.Frames = append(stack.Frames, &align.Frame[uint16]{
			Rows: *rows,
			Cols: *cols,
			Pix:  pattern.Shifted(*rows, shifts[i], *snake),
		})
	}

	var err error
	reportDir := *out
	if ext := filepath.Ext(*out); ext == ".tif" || ext == ".tiff" {
		err = stackio.WriteMultiPage(*out, stack)
		reportDir = filepath.Dir(*out)
	} else {
		_, err = stackio.WriteDir(*out, stack, "")
	}
	if err != nil {
		log.Fatalf("write stack: %v", err)
	}

	truth := stackio.Report{
		Source:    *out,
		Reference: stack.Names[*frames-1],
		Rows:      *rows,
		Cols:      *cols,
		Snake:     *snake,
		MaxShift:  *maxShift,
		CreatedAt: time.Now().UTC(),
		Frames:    stackio.ShiftRows(stack.Names, shifts[:*frames-1]),
	}
	if err := stackio.WriteReport(filepath.Join(reportDir, "truth_shifts.json"), truth); err != nil {
		log.Fatalf("write truth: %v", err)
	}
	fmt.Printf("wrote %d frames to %s\n", *frames, *out)
}
