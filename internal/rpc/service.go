// Package rpc exposes the job queue over gRPC.
//
// The service is scanalign.v1.Aligner with unary methods Submit and Status.
// Requests and responses are google.protobuf.Struct values, so no generated
// code is needed on either side.
package rpc

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"scanalign/internal/pipeline"
	"scanalign/internal/storage"
)

const (
	serviceName   = "scanalign.v1.Aligner"
	submitMethod  = "/" + serviceName + "/Submit"
	statusMethod  = "/" + serviceName + "/Status"
	maxMessageLen = 16 * 1024 * 1024
)

// AlignerServer is implemented by Service.
type AlignerServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes scanalign.v1.Aligner for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AlignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(submitMethod, AlignerServer.Submit)},
		{MethodName: "Status", Handler: unaryHandler(statusMethod, AlignerServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scanalign/v1/aligner.proto",
}

func unaryHandler(fullMethod string, call func(AlignerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AlignerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AlignerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Submitter is the part of the pipeline the service drives.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Service implements AlignerServer over a job queue and the job store.
type Service struct {
	queue Submitter
	store *storage.Store
	log   *slog.Logger
}

// NewService wires a service. store may be nil, in which case Status is
// unavailable.
func NewService(queue Submitter, store *storage.Store, log *slog.Logger) *Service {
	return &Service{queue: queue, store: store, log: log}
}

// Submit queues a job described by {type, input, output, options}.
func (s *Service) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	typ, _ := fields["type"].(string)
	jobType, err := pipeline.ParseJobType(typ)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	input, _ := fields["input"].(string)
	if input == "" {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}
	output, _ := fields["output"].(string)
	opts, _ := fields["options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	opts["source"] = "grpc"

	job := pipeline.Job{
		ID:        pipeline.NewJobID(string(jobType)),
		Type:      jobType,
		InputPath: input,
		Output:    output,
		Options:   opts,
	}
	if err := s.queue.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("job queued over grpc", "id", job.ID, "type", job.Type, "input", job.InputPath)
	return structpb.NewStruct(map[string]any{"id": job.ID, "status": "queued"})
}

// Status reports a job's stored state, result meta and per-frame shifts.
func (s *Service) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "job store not configured")
	}
	id, _ := in.AsMap()["id"].(string)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := map[string]any{
		"id":     rec.ID,
		"type":   rec.JobType,
		"status": rec.Status,
		"input":  rec.InputPath,
	}
	if rec.Error != "" {
		out["error"] = rec.Error
	}
	if meta, err := s.store.JobMeta(id); err == nil && meta != nil {
		out["meta"] = meta
	}
	if shifts, err := s.store.FrameShifts(id); err == nil && len(shifts) > 0 {
		rows := make([]any, len(shifts))
		for i, sh := range shifts {
			row := map[string]any{"index": sh.Index, "name": sh.Name, "status": sh.Status}
			if !math.IsNaN(sh.Shift) {
				row["shift_px"] = sh.Shift
			}
			rows[i] = row
		}
		out["shifts"] = rows
	}
	return structpb.NewStruct(out)
}

// Register adds the service to s.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

// Serve listens on addr until ctx ends.
func Serve(ctx context.Context, addr string, svc *Service, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageLen),
		grpc.MaxSendMsgSize(maxMessageLen),
	)
	Register(grpcServer, svc)

	go func() {
		<-ctx.Done()
		log.Info("shutting down grpc server")
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
	}()

	log.Info("grpc server starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
