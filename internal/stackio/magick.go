package stackio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"scanalign/internal/align"
	"scanalign/internal/fsutil"
)

// ReadMultiPage loads every page of a multi-page TIFF through ImageMagick.
func ReadMultiPage(path string) (*Stack, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	pages := int(mw.GetNumberImages())
	if pages == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyStack)
	}

	base := fsutil.StripExt(path)
	s := &Stack{Source: path}
	for i := 0; i < pages; i++ {
		mw.SetIteratorIndex(i)
		width := mw.GetImageWidth()
		height := mw.GetImageHeight()

		pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
		if err != nil {
			return nil, fmt.Errorf("failed to export page %d of %s: %w", i, path, err)
		}
		var values []float64
		switch v := pixels.(type) {
		case []float64:
			values = v
		case []float32:
			values = make([]float64, len(v))
			for k, val := range v {
				values[k] = float64(val)
			}
		default:
			return nil, fmt.Errorf("unexpected pixel type %T in %s", pixels, path)
		}

		f := align.NewFrame[uint16](int(height), int(width))
		if len(values) < len(f.Pix) {
			return nil, fmt.Errorf("page %d of %s: short pixel buffer", i, path)
		}
		for k, v := range values[:len(f.Pix)] {
			f.Pix[k] = uint16(math.Round(math.Min(math.Max(v, 0), 1) * math.MaxUint16))
		}
		s.Names = append(s.Names, fmt.Sprintf("%s_%04d", base, i))
		s.Frames = append(s.Frames, f)
	}
	return s, nil
}

// WriteMultiPage stores all frames of s as pages of one 16-bit TIFF.
func WriteMultiPage(path string, s *Stack) error {
	if s.Len() == 0 {
		return ErrEmptyStack
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	for i, f := range s.Frames {
		values := make([]float32, len(f.Pix))
		for k, v := range f.Pix {
			values[k] = float32(v) / math.MaxUint16
		}
		if err := mw.ConstituteImage(uint(f.Cols), uint(f.Rows), "I", imagick.PIXEL_FLOAT, values); err != nil {
			return fmt.Errorf("failed to build page %d: %w", i, err)
		}
		if err := mw.SetImageDepth(16); err != nil {
			return fmt.Errorf("failed to set depth on page %d: %w", i, err)
		}
		if err := mw.SetImageFormat("TIFF"); err != nil {
			return fmt.Errorf("failed to set format on page %d: %w", i, err)
		}
	}

	if err := mw.WriteImages(path, true); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// PageCount reports how many pages a TIFF holds without decoding pixels.
func PageCount(path string) (int, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return 0, fmt.Errorf("failed to ping %s: %w", path, err)
	}
	return int(mw.GetNumberImages()), nil
}
