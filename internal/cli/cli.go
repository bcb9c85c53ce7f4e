package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"scanalign/internal/config"
	"scanalign/internal/pipeline"
	"scanalign/internal/rpc"
	"scanalign/internal/server"
	"scanalign/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// remoteClient is the subset of rpc.Client the submit and status commands use.
type remoteClient interface {
	Submit(ctx context.Context, job pipeline.Job) (string, error)
	Status(ctx context.Context, id string) (map[string]any, error)
	Close() error
}

type dialFunc func(addr string, useTLS bool) (remoteClient, error)

func defaultDial(addr string, useTLS bool) (remoteClient, error) {
	cfg := rpc.ClientConfig{}
	if useTLS {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return rpc.Dial(addr, cfg)
}

type serveOptions struct {
	HTTPAddr   string
	GRPCAddr   string
	WatchPaths []string
	Settle     time.Duration
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// defaultServe runs the HTTP and gRPC front ends until ctx ends or either
// fails.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	srv, err := server.NewServer(opts.HTTPAddr, r.store, r.pipeline, opts.WatchPaths, opts.Settle, r.log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	if opts.GRPCAddr != "" {
		svc := rpc.NewService(r.pipeline, r.store, r.log)
		g.Go(func() error { return rpc.Serve(ctx, opts.GRPCAddr, svc, r.log) })
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	serveFn  serverFunc
	dialFn   dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
		dialFn:   defaultDial,
	}
}

// Run parses args and executes the matching command.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
