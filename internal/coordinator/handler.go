// Package coordinator implements the Master-side RPC surface that Worker
// pollers and peer Masters talk to: long-poll task handoff and liveness
// reporting over the coordpb wire messages.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mxsched/master-core/internal/coordpb"
)

// ErrNoPoller is returned by Dispatch when no poller for the task's
// worker selector is currently parked in Poll.
var ErrNoPoller = errors.New("coordinator: no waiting poller for target")

// pendingPoll is one Worker poller blocked in Poll, waiting for a Task.
type pendingPoll struct {
	labels map[string]string
	taskCh chan *coordpb.Task
}

// Handler implements coordpb.CoordinatorServiceServer. It pairs a
// long-polling Worker with a Task handed to Dispatch by the cluster's
// DagEngine, matching on the worker selector carried by the Task.
type Handler struct {
	mu      sync.Mutex
	waiters map[string]*pendingPoll // pollerID -> waiter
	workers map[string]*coordpb.WorkerInfo
	reports map[string]chan *coordpb.Task // reportKey(dagRunID, step) -> waiter

	pollTimeout time.Duration
}

// NewHandler constructs a Handler. pollTimeout bounds how long Poll parks
// a Worker before returning an empty PollResponse, letting the Worker's
// poller loop come back around for context cancellation / shutdown.
func NewHandler(pollTimeout time.Duration) *Handler {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Handler{
		waiters:     make(map[string]*pendingPoll),
		workers:     make(map[string]*coordpb.WorkerInfo),
		reports:     make(map[string]chan *coordpb.Task),
		pollTimeout: pollTimeout,
	}
}

func reportKey(dagRunID, step string) string {
	return dagRunID + "/" + step
}

// AwaitResult registers interest in the Report for (dagRunID, step) and
// returns a channel that receives the reported Task exactly once. The
// caller must eventually either read from the channel or call
// CancelAwait to avoid leaking the registration.
func (h *Handler) AwaitResult(dagRunID, step string) <-chan *coordpb.Task {
	ch := make(chan *coordpb.Task, 1)
	h.mu.Lock()
	h.reports[reportKey(dagRunID, step)] = ch
	h.mu.Unlock()
	return ch
}

// CancelAwait removes a registration made by AwaitResult that was never
// fulfilled (e.g. the DagEngine gave up waiting after a kill).
func (h *Handler) CancelAwait(dagRunID, step string) {
	h.mu.Lock()
	delete(h.reports, reportKey(dagRunID, step))
	h.mu.Unlock()
}

// Report implements coordpb.CoordinatorServiceServer, delivering a
// Worker's terminal Task outcome to whichever TaskSupervisor is waiting
// on AwaitResult for it.
func (h *Handler) Report(ctx context.Context, req *coordpb.ReportRequest) (*coordpb.ReportResponse, error) {
	if req.Task == nil {
		return nil, status.Error(codes.InvalidArgument, "coordinator: task is required")
	}
	h.mu.Lock()
	ch, ok := h.reports[reportKey(req.Task.DagRunID, req.Task.Step)]
	if ok {
		delete(h.reports, reportKey(req.Task.DagRunID, req.Task.Step))
	}
	h.mu.Unlock()
	if ok {
		ch <- req.Task
	}
	return &coordpb.ReportResponse{}, nil
}

// Poll blocks until a Task is dispatched to this poller, the poll timeout
// elapses (returning an empty response, not an error), or ctx is canceled.
func (h *Handler) Poll(ctx context.Context, req *coordpb.PollRequest) (*coordpb.PollResponse, error) {
	if req.WorkerID == "" || req.PollerID == "" {
		return nil, status.Error(codes.InvalidArgument, "coordinator: workerId and pollerId are required")
	}

	w := &pendingPoll{labels: req.Labels, taskCh: make(chan *coordpb.Task, 1)}

	h.mu.Lock()
	h.waiters[req.PollerID] = w
	h.workers[req.WorkerID] = &coordpb.WorkerInfo{
		WorkerID: req.WorkerID,
		Labels:   req.Labels,
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.waiters, req.PollerID)
		h.mu.Unlock()
	}()

	timer := time.NewTimer(h.pollTimeout)
	defer timer.Stop()

	select {
	case task := <-w.taskCh:
		return &coordpb.PollResponse{Task: task}, nil
	case <-timer.C:
		return &coordpb.PollResponse{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// Dispatch hands task to a parked poller matching the task's worker
// selector. It returns ErrNoPoller (wrapped as FailedPrecondition) when no
// poller is currently waiting; callers are expected to requeue the task.
func (h *Handler) Dispatch(ctx context.Context, req *coordpb.DispatchRequest) (*coordpb.DispatchResponse, error) {
	if req.Task == nil {
		return nil, status.Error(codes.InvalidArgument, "coordinator: task is required")
	}

	h.mu.Lock()
	var target *pendingPoll
	for _, w := range h.waiters {
		if matchesSelector(w.labels, req.Task.WorkerSelector) {
			target = w
			break
		}
	}
	h.mu.Unlock()

	if target == nil {
		return nil, status.Error(codes.FailedPrecondition, ErrNoPoller.Error())
	}

	select {
	case target.taskCh <- req.Task:
		return &coordpb.DispatchResponse{}, nil
	default:
		return nil, status.Error(codes.FailedPrecondition, ErrNoPoller.Error())
	}
}

// Heartbeat records a Worker's liveness and capacity snapshot.
func (h *Handler) Heartbeat(ctx context.Context, req *coordpb.HeartbeatRequest) (*coordpb.HeartbeatResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "coordinator: workerId is required")
	}
	h.mu.Lock()
	h.workers[req.WorkerID] = &coordpb.WorkerInfo{
		WorkerID:     req.WorkerID,
		Labels:       req.Labels,
		TotalPollers: req.TotalPollers,
	}
	h.mu.Unlock()
	return &coordpb.HeartbeatResponse{}, nil
}

// GetWorkers lists Workers currently known to this Handler from Poll
// registrations and Heartbeats.
func (h *Handler) GetWorkers(ctx context.Context, req *coordpb.GetWorkersRequest) (*coordpb.GetWorkersResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := &coordpb.GetWorkersResponse{Workers: make([]*coordpb.WorkerInfo, 0, len(h.workers))}
	for _, w := range h.workers {
		resp.Workers = append(resp.Workers, w)
	}
	return resp, nil
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
