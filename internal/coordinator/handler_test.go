package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxsched/master-core/internal/coordpb"
)

func TestHandler_DispatchWithNoWaitingPollerFails(t *testing.T) {
	h := NewHandler(time.Second)

	_, err := h.Dispatch(context.Background(), &coordpb.DispatchRequest{Task: &coordpb.Task{Step: "a"}})
	assert.Error(t, err)
}

func TestHandler_PollReceivesDispatchedTask(t *testing.T) {
	h := NewHandler(time.Second)

	pollResultCh := make(chan *coordpb.PollResponse, 1)
	pollErrCh := make(chan error, 1)
	go func() {
		resp, err := h.Poll(context.Background(), &coordpb.PollRequest{WorkerID: "w1", PollerID: "p1"})
		pollResultCh <- resp
		pollErrCh <- err
	}()

	require.Eventually(t, func() bool {
		_, err := h.Dispatch(context.Background(), &coordpb.DispatchRequest{
			Task: &coordpb.Task{DagRunID: "run-1", Step: "step-a", Operation: coordpb.OperationStart},
		})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, <-pollErrCh)
	resp := <-pollResultCh
	require.NotNil(t, resp.Task)
	assert.Equal(t, "run-1", resp.Task.DagRunID)
	assert.Equal(t, "step-a", resp.Task.Step)
}

func TestHandler_PollTimesOutWithEmptyResponse(t *testing.T) {
	h := NewHandler(10 * time.Millisecond)

	resp, err := h.Poll(context.Background(), &coordpb.PollRequest{WorkerID: "w1", PollerID: "p1"})
	require.NoError(t, err)
	assert.Nil(t, resp.Task)
}

func TestHandler_PollRequiresWorkerAndPollerID(t *testing.T) {
	h := NewHandler(time.Second)
	_, err := h.Poll(context.Background(), &coordpb.PollRequest{})
	assert.Error(t, err)
}

func TestHandler_ReportDeliversToAwaitResult(t *testing.T) {
	h := NewHandler(time.Second)

	resultCh := h.AwaitResult("run-1", "step-a")

	_, err := h.Report(context.Background(), &coordpb.ReportRequest{
		Task: &coordpb.Task{DagRunID: "run-1", Step: "step-a", Succeeded: true},
	})
	require.NoError(t, err)

	select {
	case task := <-resultCh:
		assert.True(t, task.Succeeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reported result")
	}
}

func TestHandler_GetWorkersReflectsPolledWorkers(t *testing.T) {
	h := NewHandler(10 * time.Millisecond)

	_, _ = h.Poll(context.Background(), &coordpb.PollRequest{WorkerID: "w1", PollerID: "p1"})

	resp, err := h.GetWorkers(context.Background(), &coordpb.GetWorkersRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, "w1", resp.Workers[0].WorkerID)
}

func TestHandler_HeartbeatRequiresWorkerID(t *testing.T) {
	h := NewHandler(time.Second)
	_, err := h.Heartbeat(context.Background(), &coordpb.HeartbeatRequest{})
	assert.Error(t, err)
}
