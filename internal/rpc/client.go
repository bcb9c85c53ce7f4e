package rpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"scanalign/internal/pipeline"
)

// ClientConfig controls how Dial connects.
type ClientConfig struct {
	// TLS enables transport security; nil dials without it.
	TLS *tls.Config
}

// Client submits jobs to a remote aligner.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. extra options are appended after the defaults.
func Dial(target string, cfg ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	var opts []grpc.DialOption

	if cfg.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg.TLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(maxMessageLen),
		grpc.MaxCallSendMsgSize(maxMessageLen),
	))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Submit queues job remotely and returns the id the server assigned.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	fields := map[string]any{
		"type":   string(job.Type),
		"input":  job.InputPath,
		"output": job.Output,
	}
	if len(job.Options) > 0 {
		fields["options"] = job.Options
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, submitMethod, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Status fetches the stored state of job id.
func (c *Client) Status(ctx context.Context, id string) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
