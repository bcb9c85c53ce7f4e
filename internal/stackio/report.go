package stackio

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"
)

// FrameShift is one row of a shift report.
type FrameShift struct {
	Index  int      `json:"index"`
	Name   string   `json:"name"`
	Shift  *float64 `json:"shift_px"`
	Status string   `json:"status"`
}

// Report summarizes one registered stack.
type Report struct {
	Source         string       `json:"source"`
	Reference      string       `json:"reference"`
	Rows           int          `json:"rows"`
	Cols           int          `json:"cols"`
	Snake          bool         `json:"snake"`
	MaxShift       float64      `json:"max_shift"`
	UpsampleFactor int          `json:"upsample_factor"`
	Precision      string       `json:"precision"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Frames         []FrameShift `json:"frames"`
}

// ShiftRows pairs shifts with frame names; NaN entries are marked failed.
func ShiftRows(names []string, shifts []float64) []FrameShift {
	rows := make([]FrameShift, len(shifts))
	for i, s := range shifts {
		rows[i] = FrameShift{Index: i, Name: names[i], Status: "aligned"}
		if math.IsNaN(s) {
			rows[i].Status = "failed"
			continue
		}
		v := s
		rows[i].Shift = &v
	}
	return rows
}

// WriteReport stores r as indented JSON.
func WriteReport(path string, r Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(data, &r)
	return r, err
}
