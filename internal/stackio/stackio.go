// Package stackio loads frame stacks from disk and writes corrected stacks back.
//
// A stack is either a directory of single-frame grayscale images, ordered by
// file name, or one multi-page TIFF. Samples are held as 16-bit values; 8-bit
// sources are widened with the standard gray model.
package stackio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"scanalign/internal/align"
	"scanalign/internal/fsutil"
)

// Stack is a loaded frame stack with one name per frame.
type Stack struct {
	Source string
	Names  []string
	Frames []*align.Frame[uint16]
}

// Len is the number of frames.
func (s *Stack) Len() int { return len(s.Frames) }

// ErrEmptyStack is returned when a source holds no frames.
var ErrEmptyStack = errors.New("stack holds no frames")

// ReadStack loads a directory of frames or a multi-page TIFF.
func ReadStack(path string) (*Stack, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return ReadDir(path)
	}
	if !fsutil.IsMultiPage(path) {
		return nil, fmt.Errorf("unsupported stack file %s", path)
	}
	return ReadMultiPage(path)
}

// ReadDir decodes every frame file directly inside dir.
func ReadDir(dir string) (*Stack, error) {
	files, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmptyStack)
	}

	s := &Stack{Source: dir}
	for _, file := range files {
		f, err := readFrame(file)
		if err != nil {
			return nil, err
		}
		s.Names = append(s.Names, fsutil.StripExt(file))
		s.Frames = append(s.Frames, f)
	}
	return s, nil
}

func readFrame(path string) (*align.Frame[uint16], error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FrameFromImage(img), nil
}

// FrameFromImage converts any image to a 16-bit gray frame.
func FrameFromImage(img image.Image) *align.Frame[uint16] {
	b := img.Bounds()
	f := align.NewFrame[uint16](b.Dy(), b.Dx())
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < f.Rows; y++ {
			row := f.Row(y)
			for x := range row {
				row[x] = src.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
	default:
		for y := 0; y < f.Rows; y++ {
			row := f.Row(y)
			for x := range row {
				row[x] = color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			}
		}
	}
	return f
}

// ImageFromFrame wraps a frame as an image.Gray16.
func ImageFromFrame(f *align.Frame[uint16]) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Cols, f.Rows))
	for y := 0; y < f.Rows; y++ {
		for x, v := range f.Row(y) {
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}
	return img
}

// WriteFrame encodes one frame as a Deflate-compressed 16-bit TIFF.
func WriteFrame(path string, f *align.Frame[uint16]) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(out, ImageFromFrame(f), &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return out.Close()
}

// WriteDir writes every frame of s into dir as <name><suffix>.tif and returns
// the written paths.
func WriteDir(dir string, s *Stack, suffix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, s.Len())
	for i, f := range s.Frames {
		path := filepath.Join(dir, s.Names[i]+suffix+".tif")
		if err := WriteFrame(path, f); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
