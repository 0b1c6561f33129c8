package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxsched/master-core/internal/coordpb"
)

type fakePollClient struct {
	tasks chan *coordpb.Task
}

func (f *fakePollClient) Poll(ctx context.Context, req *coordpb.PollRequest) (*coordpb.Task, error) {
	select {
	case t := <-f.tasks:
		return t, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type countingExecutor struct {
	count atomic.Int64
}

func (c *countingExecutor) Handle(ctx context.Context, task *coordpb.Task) error {
	c.count.Add(1)
	return nil
}

func TestPoller_RunHandlesDispatchedTasks(t *testing.T) {
	client := &fakePollClient{tasks: make(chan *coordpb.Task, 1)}
	executor := &countingExecutor{}
	p := NewPoller("worker-1", client, executor, nil)

	client.tasks <- &coordpb.Task{Step: "a"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return executor.count.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	state := p.GetState()
	assert.Equal(t, "worker-1", state.WorkerID)
	assert.GreaterOrEqual(t, state.TotalHandled, int64(1))
}

func TestPoller_GetStateBeforeRun(t *testing.T) {
	p := NewPoller("worker-2", &fakePollClient{tasks: make(chan *coordpb.Task)}, &countingExecutor{}, nil)
	state := p.GetState()
	assert.False(t, state.Running)
	assert.Equal(t, int64(0), state.TotalPolls)
}
