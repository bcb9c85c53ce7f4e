package tasks

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanFindsStacks(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "run1", "scan_001.tif"))
	touch(t, filepath.Join(root, "run1", "scan_002.tif"))
	touch(t, filepath.Join(root, "run1", "scan_003.tif"))
	touch(t, filepath.Join(root, "mixed", "a.png"))
	touch(t, filepath.Join(root, "mixed", "overview.png"))
	touch(t, filepath.Join(root, "single", "only.png"))
	touch(t, filepath.Join(root, "notes.txt"))

	orig := pageCount
	pageCount = func(path string) (int, error) {
		if filepath.Base(path) == "scan_002.tif" {
			return 5, nil
		}
		return 1, nil
	}
	t.Cleanup(func() { pageCount = orig })

	res, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Frames) != 6 {
		t.Fatalf("expected 6 frames, got %d: %v", len(res.Frames), res.Frames)
	}

	want := []StackGroup{
		{GroupType: "directory", BasePath: filepath.Join(root, "mixed"), Count: 2, Detection: "frame_count"},
		{GroupType: "directory", BasePath: filepath.Join(root, "run1"), Count: 3, Detection: "filename_sequence"},
		{GroupType: "multipage", BasePath: filepath.Join(root, "run1", "scan_002.tif"), Count: 5, Detection: "page_count"},
	}
	if len(res.Groups) != len(want) {
		t.Fatalf("expected %d groups, got %+v", len(want), res.Groups)
	}
	for i, g := range want {
		if res.Groups[i] != g {
			t.Fatalf("group %d: got %+v want %+v", i, res.Groups[i], g)
		}
	}
}

func TestScanEmptyDir(t *testing.T) {
	res, err := Scan(t.TempDir())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Groups) != 0 {
		t.Fatalf("expected no groups, got %+v", res.Groups)
	}
}
