package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".png":  {},
}

var multiPageExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// ListImages returns all frame-like files under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// ListFrames returns the frame files directly inside dir, sorted by name.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsFrameFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsFrameFile checks if a file has a supported frame extension.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// IsMultiPage reports whether path may hold a whole stack in one file.
func IsMultiPage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := multiPageExts[ext]
	return ok
}

// StripExt returns the base name of path without its extension.
func StripExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
