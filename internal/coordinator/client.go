package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxsched/master-core/internal/backoff"
	"github.com/mxsched/master-core/internal/coordpb"
	"github.com/mxsched/master-core/internal/telemetry"
)

// Config controls how a Client dials and retries against a coordinator.
type Config struct {
	Target      string
	DialTimeout time.Duration
	RetryPolicy backoff.RetryPolicy
	CodecName   string
}

// DefaultConfig returns the Config a Worker uses when none is supplied
// explicitly: a short dial timeout and an exponential backoff retry
// policy on transient RPC failures.
func DefaultConfig(target string) Config {
	policy := backoff.NewExponentialBackoffPolicy(500 * time.Millisecond)
	policy.MaxInterval = 30 * time.Second
	return Config{
		Target:      target,
		DialTimeout: 10 * time.Second,
		RetryPolicy: policy,
		CodecName:   coordpb.Name,
	}
}

// clientMetrics is a small in-memory counter set surfaced by Metrics,
// mirroring the coordinator client's observability surface.
type clientMetrics struct {
	polls      atomic.Int64
	dispatches atomic.Int64
	heartbeats atomic.Int64
	errors     atomic.Int64
}

// Metrics is a point-in-time snapshot of a Client's call counters.
type Metrics struct {
	Polls      int64
	Dispatches int64
	Heartbeats int64
	Errors     int64
}

// Client wraps a coordpb.CoordinatorServiceClient with Poll / Dispatch /
// Heartbeat / GetWorkers helpers used by Worker pollers and by a
// Master's own dispatch path when it must reach another Master's
// coordinator (e.g. during failover). Only Poll is retried, under
// cfg.RetryPolicy; the other calls make a single attempt.
type Client struct {
	cfg     Config
	conn    *grpc.ClientConn
	rpc     coordpb.CoordinatorServiceClient
	metrics clientMetrics
	tracer  trace.Tracer
}

// New dials target and returns a ready-to-use Client. The connection is
// forced onto the coordpb JSON codec since this module carries no
// protoc-generated proto.Message types.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.CodecName == "" {
		cfg.CodecName = coordpb.Name
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cfg.CodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial %s: %w", cfg.Target, err)
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		rpc:    coordpb.NewCoordinatorServiceClient(conn),
		tracer: telemetry.Tracer("coordinator.client"),
	}, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Metrics returns a snapshot of this Client's call counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		Polls:      c.metrics.polls.Load(),
		Dispatches: c.metrics.dispatches.Load(),
		Heartbeats: c.metrics.heartbeats.Load(),
		Errors:     c.metrics.errors.Load(),
	}
}

// Poll long-polls the coordinator for a Task, retrying transient errors
// under cfg.RetryPolicy until ctx is canceled or a Task/nil is returned.
func (c *Client) Poll(ctx context.Context, req *coordpb.PollRequest) (*coordpb.Task, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Poll")
	defer span.End()

	c.metrics.polls.Add(1)
	retrier := backoff.NewRetrier(c.cfg.RetryPolicy)
	for {
		resp, err := c.rpc.Poll(ctx, req)
		if err == nil {
			return resp.Task, nil
		}
		c.metrics.errors.Add(1)
		if rerr := retrier.Next(ctx, err); rerr != nil {
			span.SetStatus(codes.Error, rerr.Error())
			return nil, rerr
		}
	}
}

// Dispatch hands task to the coordinator for delivery to a waiting poller.
func (c *Client) Dispatch(ctx context.Context, task *coordpb.Task) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Dispatch")
	defer span.End()

	c.metrics.dispatches.Add(1)
	_, err := c.rpc.Dispatch(ctx, &coordpb.DispatchRequest{Task: task})
	if err != nil {
		c.metrics.errors.Add(1)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Report sends a Worker's terminal outcome for task back to the
// coordinator so the owning TaskSupervisor's AwaitResult wakes up.
func (c *Client) Report(ctx context.Context, task *coordpb.Task) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Report")
	defer span.End()

	_, err := c.rpc.Report(ctx, &coordpb.ReportRequest{Task: task})
	if err != nil {
		c.metrics.errors.Add(1)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Heartbeat reports this Worker's liveness and poller count.
func (c *Client) Heartbeat(ctx context.Context, workerID string, labels map[string]string, totalPollers int32) error {
	c.metrics.heartbeats.Add(1)
	_, err := c.rpc.Heartbeat(ctx, &coordpb.HeartbeatRequest{
		WorkerID:     workerID,
		Labels:       labels,
		TotalPollers: totalPollers,
	})
	if err != nil {
		c.metrics.errors.Add(1)
	}
	return err
}

// GetWorkers lists Workers currently registered with the coordinator.
func (c *Client) GetWorkers(ctx context.Context) ([]*coordpb.WorkerInfo, error) {
	resp, err := c.rpc.GetWorkers(ctx, &coordpb.GetWorkersRequest{})
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, err
	}
	return resp.Workers, nil
}
