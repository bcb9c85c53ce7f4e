package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"scanalign/internal/align"
	"scanalign/internal/config"
	"scanalign/internal/logging"
	"scanalign/internal/storage"
	"scanalign/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	alignCfg config.AlignmentConfig
	alignMgr *tasks.AlignmentManager
	alignFn  alignFunc
	stackFn  stackFunc
	scanFn   scanFunc
}

type alignFunc func(ctx context.Context, mgr *tasks.AlignmentManager, req tasks.AlignStackRequest) (tasks.AlignStackResult, error)

type stackFunc func(ctx context.Context, mgr *tasks.AlignmentManager, req tasks.StackRequest) (tasks.StackResult, error)

type scanFunc func(input string) (tasks.ScanResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, alignCfg config.AlignmentConfig) *router {
	return &router{
		log:      logger,
		store:    store,
		alignCfg: alignCfg,
		alignMgr: tasks.NewAlignmentManager(""),
		alignFn:  tasks.AlignStack,
		stackFn:  tasks.StackAligned,
		scanFn:   tasks.Scan,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobStack:
		return r.handleStack(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	summary, err := r.scanFn(job.InputPath)
	meta := map[string]any{
		"frames": len(summary.Frames),
		"groups": summary.Groups,
	}
	for _, g := range summary.Groups {
		if r.store != nil {
			_ = r.store.RecordGroup(storage.StackGroupRecord{
				JobID:           job.ID,
				GroupType:       g.GroupType,
				DetectionMethod: g.Detection,
				BasePath:        g.BasePath,
				FrameCount:      g.Count,
			})
		}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	cfg := r.jobAlignment(job.Options)
	opts, prec, err := tasks.AlignOptions(cfg, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.alignFn(ctx, r.alignMgr, tasks.AlignStackRequest{
		Input:       job.InputPath,
		OutputDir:   job.Output,
		Suffix:      cfg.OutputSuffix,
		Precision:   prec,
		Options:     opts,
		WriteReport: cfg.WriteReport,
	})

	meta := map[string]any{
		"precision": prec.String(),
		"frames":    len(res.Names),
		"aligned":   res.Aligned(),
		"failed":    res.Failed,
		"reference": res.Reference,
		"outputs":   len(res.Outputs),
		"shifts":    shiftValues(res.Shifts),
		"tool":      res.ToolUsed,
	}
	if res.ReportPath != "" {
		meta["report"] = res.ReportPath
	}
	if res.Shifts != nil {
		r.recordShifts(job.ID, res.Names, res.Shifts)
	}
	if isPartial(err) {
		meta["status"] = "partial"
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	cfg := r.jobAlignment(job.Options)
	opts, prec, err := tasks.AlignOptions(cfg, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	method, _ := job.Options["method"].(string)

	res, err := r.stackFn(ctx, r.alignMgr, tasks.StackRequest{
		InputDir:  job.InputPath,
		Output:    job.Output,
		Method:    method,
		Precision: prec,
		Options:   opts,
	})
	meta := map[string]any{
		"output":     res.OutputFile,
		"method":     res.Method,
		"images":     res.ImageCount,
		"combined":   res.Combined,
		"dimensions": res.Dimensions,
		"shifts":     shiftValues(res.Alignment.Shifts),
	}
	if isPartial(err) {
		meta["status"] = "partial"
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// jobAlignment overlays per-job options on the configured alignment settings.
func (r *router) jobAlignment(opts map[string]any) config.AlignmentConfig {
	cfg := r.alignCfg
	if v, ok := opts["precision"].(string); ok && v != "" {
		cfg.Precision = v
	}
	if v, ok := opts["snake"].(bool); ok {
		cfg.Snake = v
	}
	if v, ok := optFloat(opts["maxShift"]); ok {
		cfg.MaxShift = v
	}
	if v, ok := optFloat(opts["upsample"]); ok {
		cfg.UpsampleFactor = int(v)
	}
	if v, ok := optFloat(opts["workers"]); ok {
		cfg.Workers = int(v)
	}
	if v, ok := opts["backend"].(string); ok && v != "" {
		cfg.FFTBackend = v
	}
	if v, ok := opts["suffix"].(string); ok && v != "" {
		cfg.OutputSuffix = v
	}
	if v, ok := opts["report"].(bool); ok {
		cfg.WriteReport = v
	}
	return cfg
}

func (r *router) recordShifts(jobID string, names []string, shifts []float64) {
	logging.LogFrameShifts(r.log, jobID, names, shifts)
	if r.store == nil {
		return
	}
	recs := make([]storage.FrameShiftRecord, len(shifts))
	for i, s := range shifts {
		status := "aligned"
		if math.IsNaN(s) {
			status = "failed"
		}
		recs[i] = storage.FrameShiftRecord{JobID: jobID, Index: i, Name: names[i], Shift: s, Status: status}
	}
	if err := r.store.RecordFrameShifts(jobID, recs); err != nil {
		r.log.Warn("failed to record frame shifts", "job_id", jobID, "error", err)
	}
}

// optFloat accepts the numeric forms options arrive in from flags and JSON.
func optFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// shiftValues replaces NaN with nil so results survive JSON encoding.
func shiftValues(shifts []float64) []any {
	out := make([]any, len(shifts))
	for i, s := range shifts {
		if !math.IsNaN(s) {
			out[i] = s
		}
	}
	return out
}

func isPartial(err error) bool {
	var fe *align.FrameError
	return errors.As(err, &fe)
}
