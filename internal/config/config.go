package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/scanalign/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the aligner and its services.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Storage    Storage         `json:"storage"`
	Alignment  AlignmentConfig `json:"alignment"`
	Server     Server          `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations. DefaultInput is scanned when no
// directory is given; stacked results land in DefaultOutput.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
}

// Storage selects the SQLite driver and database file.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `json:"path"`
}

// AlignmentConfig controls registration.
type AlignmentConfig struct {
	Snake          bool    `json:"snake"`
	MaxShift       float64 `json:"max_shift"`
	UpsampleFactor int     `json:"upsample_factor"`
	Precision      string  `json:"precision"` // single, double, extended
	Workers        int     `json:"workers"`   // 0 = one per CPU
	FFTBackend     string  `json:"fft_backend"`
	FFTPlanning    string  `json:"fft_planning"`
	OutputSuffix   string  `json:"output_suffix"`
	WriteReport    bool    `json:"write_report"`
}

// Server configures the HTTP and gRPC listeners and watch folders.
type Server struct {
	HTTPAddr    string   `json:"http_addr"`
	GRPCAddr    string   `json:"grpc_addr"`
	WatchDirs   []string `json:"watch_dirs"`
	SettleDelay Duration `json:"settle_delay"`
}

// Duration is a time.Duration that reads and writes as "1.5s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("SCANALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./aligned",
		},
		Storage: Storage{
			Driver: "sqlite",
			Path:   filepath.Join(os.TempDir(), "scanalign.db"),
		},
		Alignment: AlignmentConfig{
			Snake:          true,
			MaxShift:       1.5,
			UpsampleFactor: 16,
			Precision:      "double",
			FFTBackend:     "auto",
			FFTPlanning:    "estimate",
			OutputSuffix:   "_aligned",
			WriteReport:    true,
		},
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			SettleDelay: Duration(2 * time.Second),
		},
	}
}

// Validate rejects settings the aligner cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not sqlite or sqlite3", c.Storage.Driver))
	}

	a := c.Alignment
	if math.IsNaN(a.MaxShift) || math.IsInf(a.MaxShift, 0) || a.MaxShift <= 0 {
		errs = append(errs, fmt.Errorf("alignment.max_shift must be a positive number, got %v", a.MaxShift))
	}
	if a.UpsampleFactor < 1 {
		errs = append(errs, fmt.Errorf("alignment.upsample_factor must be at least 1, got %d", a.UpsampleFactor))
	}
	if a.Workers < 0 {
		errs = append(errs, fmt.Errorf("alignment.workers must not be negative, got %d", a.Workers))
	}
	switch strings.ToLower(a.Precision) {
	case "single", "double", "extended":
	default:
		errs = append(errs, fmt.Errorf("alignment.precision %q is not single, double or extended", a.Precision))
	}
	switch strings.ToLower(a.FFTBackend) {
	case "", "auto", "gonum", "go-dsp":
	default:
		errs = append(errs, fmt.Errorf("alignment.fft_backend %q is not auto, gonum or go-dsp", a.FFTBackend))
	}
	switch strings.ToLower(a.FFTPlanning) {
	case "", "estimate", "measure":
	default:
		errs = append(errs, fmt.Errorf("alignment.fft_planning %q is not estimate or measure", a.FFTPlanning))
	}
	if c.Server.SettleDelay < 0 {
		errs = append(errs, errors.New("server.settle_delay must not be negative"))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
