package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"scanalign/internal/config"
	"scanalign/internal/pipeline"
	"scanalign/internal/storage"
	"scanalign/internal/tasks"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scanalign",
		Short: "Subpixel row-shift registration for line-scanned image stacks",
		Long: `scanalign estimates the subpixel horizontal drift of every frame in a
stack against a reference frame and writes the corrected frames.
Odd rows of bidirectionally scanned frames can be corrected in the
opposite direction with --snake.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(r.out)

	rootCmd.AddCommand(newAlignCmd(r))
	rootCmd.AddCommand(newStackCmd(r))
	rootCmd.AddCommand(newScanCmd(r))
	rootCmd.AddCommand(newJobsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newSubmitCmd(r))
	rootCmd.AddCommand(newStatusCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

// alignFlags are the registration settings shared by align, stack and submit.
type alignFlags struct {
	precision string
	maxShift  float64
	upsample  int
	snake     bool
	workers   int
	backend   string
}

func (f *alignFlags) register(cmd *cobra.Command, cfg config.AlignmentConfig) {
	cmd.Flags().StringVar(&f.precision, "precision", cfg.Precision, "arithmetic precision (single|double|extended)")
	cmd.Flags().Float64Var(&f.maxShift, "max-shift", cfg.MaxShift, "largest shift searched, in pixels")
	cmd.Flags().IntVarP(&f.upsample, "upsample", "u", cfg.UpsampleFactor, "subpixel steps per pixel")
	cmd.Flags().BoolVar(&f.snake, "snake", cfg.Snake, "correct odd rows in the opposite direction (bidirectional scans)")
	cmd.Flags().IntVar(&f.workers, "workers", cfg.Workers, "frames registered concurrently (0 = one per CPU)")
	cmd.Flags().StringVar(&f.backend, "fft", cfg.FFTBackend, "FFT backend (auto|gonum|go-dsp)")
}

// options returns only the flags the user set, so per-job values override
// the configuration and everything else falls through to it.
func (f *alignFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	changed := cmd.Flags().Changed
	if changed("precision") {
		opts["precision"] = f.precision
	}
	if changed("max-shift") {
		opts["maxShift"] = f.maxShift
	}
	if changed("upsample") {
		opts["upsample"] = f.upsample
	}
	if changed("snake") {
		opts["snake"] = f.snake
	}
	if changed("workers") {
		opts["workers"] = f.workers
	}
	if changed("fft") {
		opts["backend"] = f.backend
	}
	return opts
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		flags    alignFlags
		output   string
		suffix   string
		noReport bool
	)

	cmd := &cobra.Command{
		Use:   "align <stack>",
		Short: "Register every frame of a stack to its last frame",
		Long: `Register a stack of frames and write the corrected frames.

<stack> is a directory of frames or a multi-page TIFF. The last frame is
the reference. Frames that cannot be registered are reported and left
out of the output; the remaining frames are still written.

Examples:
  # Directory of frames, default settings
  scanalign align /scans/run1

  # Bidirectional scan with a wider search
  scanalign align /scans/run2.tif --snake --max-shift 3 --upsample 32`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			if cmd.Flags().Changed("suffix") {
				opts["suffix"] = suffix
			}
			if noReport {
				opts["report"] = false
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("align"),
				Type:      pipeline.JobAlign,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			root.printAlignment(res)
			return err
		},
	}

	flags.register(cmd, root.cfg.Alignment)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default <stack>/aligned)")
	cmd.Flags().StringVar(&suffix, "suffix", root.cfg.Alignment.OutputSuffix, "suffix added to corrected frame names")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "skip the JSON shift report")

	return cmd
}

func (r *Root) printAlignment(res pipeline.Result) {
	shifts, _ := res.Meta["shifts"].([]any)
	if len(shifts) == 0 {
		return
	}
	r.printf("%-6s %12s\n", "frame", "shift_px")
	for i, s := range shifts {
		if v, ok := s.(float64); ok && !math.IsNaN(v) {
			r.printf("%-6d %12.4f\n", i, v)
		} else {
			r.printf("%-6d %12s\n", i, "failed")
		}
	}
	r.printf("aligned %v of %d frames to %v with %v\n", res.Meta["aligned"], len(shifts), res.Meta["reference"], res.Meta["tool"])
	if report, ok := res.Meta["report"].(string); ok {
		r.printf("report: %s\n", report)
	}
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		flags  alignFlags
		method string
		output string
	)

	cmd := &cobra.Command{
		Use:   "stack <stack>",
		Short: "Register a stack and combine the corrected frames",
		Long: `Register a stack and combine the corrected frames into one 16-bit TIFF.
Frames that fail to register are left out of the combination.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options(cmd)
			opts["method"] = method
			if output == "" && root.cfg.Paths.DefaultOutput != "" {
				output = root.cfg.Paths.DefaultOutput + string(filepath.Separator)
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("stack"),
				Type:      pipeline.JobStack,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			root.printf("stacked %v of %v frames (%v) -> %v\n", res.Meta["combined"], res.Meta["images"], res.Meta["method"], res.Meta["output"])
			return nil
		},
	}

	flags.register(cmd, root.cfg.Alignment)
	cmd.Flags().StringVarP(&method, "method", "m", "mean", "combination method (mean|median|max|min)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, or a directory ending in a separator (default paths.default_output)")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [directory]",
		Short: "Find frame stacks under a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := root.cfg.Paths.DefaultInput
			if len(args) == 1 {
				input = args[0]
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("scan"),
				Type:      pipeline.JobScan,
				InputPath: input,
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			groups, _ := res.Meta["groups"].([]tasks.StackGroup)
			root.printf("%v frames, %d stacks\n", res.Meta["frames"], len(groups))
			for _, g := range groups {
				root.printf("  %-9s %4d frames  %s (%s)\n", g.GroupType, g.Count, g.BasePath, g.Detection)
			}
			return nil
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%-32s %-6s %-9s %s", j.ID, j.JobType, j.Status, j.InputPath)
				if j.Error != "" {
					line += "  (" + j.Error + ")"
				}
				root.printf("%s\n", line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC job servers",
		Long: `Start an HTTP server for job submission and monitoring together with
the gRPC service used by "scanalign submit".

Examples:
  # Basic server
  scanalign serve --addr :8080 --grpc-addr :9090

  # Align every stack that lands in a folder
  scanalign serve --watch /scans/incoming --settle 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Settle = settle
			root.log.Info("starting server",
				"addr", opts.HTTPAddr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.WatchPaths,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	srv := root.cfg.Server
	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", srv.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", srv.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.WatchPaths, "watch", srv.WatchDirs, "directories to watch for new stacks")
	cmd.Flags().DurationVar(&settle, "settle", time.Duration(srv.SettleDelay), "quiet period before a watched stack is aligned")

	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		flags  alignFlags
		addr   string
		useTLS bool
		output string
		method string
	)

	cmd := &cobra.Command{
		Use:   "submit <align|stack|scan> <input>",
		Short: "Queue a job on a remote server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := pipeline.ParseJobType(args[0])
			if err != nil {
				return err
			}
			opts := flags.options(cmd)
			if jobType == pipeline.JobStack {
				opts["method"] = method
			}
			client, err := root.dialFn(addr, useTLS)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer client.Close()

			id, err := client.Submit(cmd.Context(), pipeline.Job{
				Type:      jobType,
				InputPath: args[1],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			root.printf("%s\n", id)
			return nil
		},
	}

	flags.register(cmd, root.cfg.Alignment)
	cmd.Flags().StringVar(&addr, "server", grpcTarget(root.cfg.Server.GRPCAddr), "gRPC server address")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "connect with TLS")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path on the server")
	cmd.Flags().StringVarP(&method, "method", "m", "mean", "combination method for stack jobs")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		addr   string
		useTLS bool
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state on a remote server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.dialFn(addr, useTLS)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer client.Close()

			st, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(root.out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	cmd.Flags().StringVar(&addr, "server", grpcTarget(root.cfg.Server.GRPCAddr), "gRPC server address")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "connect with TLS")
	return cmd
}

// grpcTarget turns a listen address such as ":9090" into a dialable one.
func grpcTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}
