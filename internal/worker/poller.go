// Package worker implements the Worker-side poller and task executor
// that pairs with internal/coordinator: pollers long-poll for Tasks and
// hand them to a TaskHandler for execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mxsched/master-core/internal/coordpb"
)

// PollClient is the subset of *coordinator.Client a Poller needs, kept
// as an interface so tests can substitute a fake instead of dialing a
// real gRPC connection.
type PollClient interface {
	Poll(ctx context.Context, req *coordpb.PollRequest) (*coordpb.Task, error)
}

// State is a point-in-time snapshot of a Poller's activity.
type State struct {
	WorkerID     string
	PollerID     string
	Running      bool
	TotalPolls   int64
	TotalHandled int64
	TotalErrors  int64
	LastPollAt   time.Time
}

// TaskExecutor executes one dispatched Task. Implemented by TaskHandler.
type TaskExecutor interface {
	Handle(ctx context.Context, task *coordpb.Task) error
}

// Poller long-polls a coordinator.Client for Tasks and runs each on the
// supplied TaskExecutor, one at a time. A Worker process typically runs
// several Pollers concurrently to bound parallelism by poller count
// rather than by goroutine count.
type Poller struct {
	workerID string
	pollerID string
	client   PollClient
	executor TaskExecutor
	labels   map[string]string
	logger   *slog.Logger

	running      atomic.Bool
	totalPolls   atomic.Int64
	totalHandled atomic.Int64
	totalErrors  atomic.Int64

	mu         sync.Mutex
	lastPollAt time.Time
}

// NewPoller constructs a Poller identified by workerID, dispatching
// received Tasks to executor and reporting labels on every Poll call.
func NewPoller(workerID string, client PollClient, executor TaskExecutor, labels map[string]string) *Poller {
	return &Poller{
		workerID: workerID,
		pollerID: uuid.NewString(),
		client:   client,
		executor: executor,
		labels:   labels,
		logger:   slog.With("component", "worker.poller", "worker_id", workerID),
	}
}

// GetState returns a snapshot of this Poller's counters.
func (p *Poller) GetState() State {
	p.mu.Lock()
	last := p.lastPollAt
	p.mu.Unlock()
	return State{
		WorkerID:     p.workerID,
		PollerID:     p.pollerID,
		Running:      p.running.Load(),
		TotalPolls:   p.totalPolls.Load(),
		TotalHandled: p.totalHandled.Load(),
		TotalErrors:  p.totalErrors.Load(),
		LastPollAt:   last,
	}
}

// Run polls the coordinator until ctx is canceled. Each Task returned by
// Poll is executed synchronously before the next Poll is issued; an empty
// PollResponse (long-poll timeout with no task) simply loops.
func (p *Poller) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.totalPolls.Add(1)
		p.mu.Lock()
		p.lastPollAt = time.Now()
		p.mu.Unlock()

		task, err := p.client.Poll(ctx, &coordpb.PollRequest{
			WorkerID: p.workerID,
			PollerID: p.pollerID,
			Labels:   p.labels,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.totalErrors.Add(1)
			p.logger.Error("poll failed", "error", err)
			continue
		}
		if task == nil {
			continue
		}

		if err := p.executor.Handle(ctx, task); err != nil {
			p.totalErrors.Add(1)
			p.logger.Error("task handling failed", "dag_run_id", task.DagRunID, "error", err)
			continue
		}
		p.totalHandled.Add(1)
	}
}

// String implements fmt.Stringer for log-friendly identification.
func (p *Poller) String() string {
	return fmt.Sprintf("poller[%s/%s]", p.workerID, p.pollerID)
}
