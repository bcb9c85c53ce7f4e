package tasks

import (
	"path/filepath"
	"regexp"
	"sort"

	"scanalign/internal/fsutil"
	"scanalign/internal/stackio"
)

// ScanResult captures detected frames and candidate stacks.
type ScanResult struct {
	Frames []string
	Groups []StackGroup
}

// StackGroup represents a set of frames that can be registered together.
type StackGroup struct {
	GroupType string // directory|multipage
	BasePath  string
	Count     int
	Detection string
}

var sequenceName = regexp.MustCompile(`^(.*?)(\d+)(\D*)$`)

// pageCount is swapped in tests so scanning needs no ImageMagick.
var pageCount = stackio.PageCount

// Scan walks input and reports directories holding at least two frames and
// multi-page TIFFs holding at least two pages.
func Scan(input string) (ScanResult, error) {
	files, err := fsutil.ListImages(input)
	if err != nil {
		return ScanResult{}, err
	}
	sort.Strings(files)
	return ScanResult{Frames: files, Groups: groupFiles(files)}, nil
}

func groupFiles(files []string) []StackGroup {
	if len(files) == 0 {
		return nil
	}
	dirMap := map[string][]string{}
	for _, f := range files {
		dirMap[filepath.Dir(f)] = append(dirMap[filepath.Dir(f)], f)
	}
	var groups []StackGroup
	for dir, fs := range dirMap {
		sort.Strings(fs)
		if len(fs) >= 2 {
			groups = append(groups, StackGroup{
				GroupType: "directory",
				BasePath:  dir,
				Count:     len(fs),
				Detection: detectDirectory(fs),
			})
		}
		for _, f := range fs {
			if !fsutil.IsMultiPage(f) {
				continue
			}
			n, err := pageCount(f)
			if err != nil || n < 2 {
				continue
			}
			groups = append(groups, StackGroup{
				GroupType: "multipage",
				BasePath:  f,
				Count:     n,
				Detection: "page_count",
			})
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].BasePath < groups[j].BasePath
	})
	return groups
}

// detectDirectory reports filename_sequence when every frame shares one
// numbered prefix, and frame_count otherwise.
func detectDirectory(files []string) string {
	prefix := ""
	for i, f := range files {
		m := sequenceName.FindStringSubmatch(fsutil.StripExt(f))
		if m == nil {
			return "frame_count"
		}
		if i == 0 {
			prefix = m[1]
		} else if m[1] != prefix {
			return "frame_count"
		}
	}
	return "filename_sequence"
}
