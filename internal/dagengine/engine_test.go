package dagengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxsched/master-core/internal/core"
)

type fakeStore struct {
	saved   []*core.TaskInstance
	updated []*core.TaskInstance
	piUpdates []*core.ProcessInstance
}

func (f *fakeStore) FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeStore) SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}
func (f *fakeStore) UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	f.piUpdates = append(f.piUpdates, pi)
	return nil
}
func (f *fakeStore) FindValidTaskListByProcessID(ctx context.Context, processInstanceID int64) ([]*core.TaskInstance, error) {
	return nil, nil
}
func (f *fakeStore) FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error) {
	return nil, nil
}
func (f *fakeStore) SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	ti.ID = int64(len(f.saved) + 1)
	f.saved = append(f.saved, ti)
	return nil
}
func (f *fakeStore) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	f.updated = append(f.updated, ti)
	return nil
}
func (f *fakeStore) QueryNeedFailoverProcessInstances(ctx context.Context, host string) ([]*core.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeStore) QueryNeedFailoverTaskInstances(ctx context.Context, host string) ([]*core.TaskInstance, error) {
	return nil, nil
}
func (f *fakeStore) ProcessNeedFailoverProcessInstances(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}
func (f *fakeStore) CreateRecoveryWaitingThreadCommand(ctx context.Context, existing *core.Command, pi *core.ProcessInstance) error {
	return nil
}
func (f *fakeStore) Verify(ctx context.Context) error { return nil }

// fakeSupervisor immediately succeeds every task it is given, letting
// Engine.Run drive a DAG to completion deterministically in tests.
type fakeSupervisor struct {
	done chan struct{}
	ti   *core.TaskInstance
}

func newFakeSupervisor(string, *core.TaskInstance) Supervisor {
	return &fakeSupervisor{done: make(chan struct{})}
}

func (s *fakeSupervisor) Start(ctx context.Context, ti *core.TaskInstance) error {
	ti.State = core.StatusSuccess
	s.ti = ti
	close(s.done)
	return nil
}
func (s *fakeSupervisor) Done() <-chan struct{}         { return s.done }
func (s *fakeSupervisor) Result() *core.TaskInstance { return s.ti }
func (s *fakeSupervisor) Kill(ctx context.Context)      {}

// flakySupervisor fails its task the first failuresBeforeSuccess times
// it is started, then succeeds, letting a test exercise CanRetry's
// backoff gate deterministically (scenario S2).
type flakySupervisor struct {
	calls                 *int32
	failuresBeforeSuccess int
	done                  chan struct{}
	ti                    *core.TaskInstance
}

func newFlakySupervisorFactory(failuresBeforeSuccess int) (SupervisorFactory, *int32) {
	var calls int32
	factory := func(string, *core.TaskInstance) Supervisor {
		return &flakySupervisor{calls: &calls, failuresBeforeSuccess: failuresBeforeSuccess, done: make(chan struct{})}
	}
	return factory, &calls
}

func (s *flakySupervisor) Start(ctx context.Context, ti *core.TaskInstance) error {
	n := atomic.AddInt32(s.calls, 1)
	ti.EndTime = time.Now()
	if int(n) <= s.failuresBeforeSuccess {
		ti.State = core.StatusFailure
	} else {
		ti.State = core.StatusSuccess
	}
	s.ti = ti
	close(s.done)
	return nil
}
func (s *flakySupervisor) Done() <-chan struct{}      { return s.done }
func (s *flakySupervisor) Result() *core.TaskInstance { return s.ti }
func (s *flakySupervisor) Kill(ctx context.Context)   {}

func TestEngine_RetryThenSucceed(t *testing.T) {
	pd, err := core.GenerateFlowDag([]*core.TaskNode{
		{Name: "a", MaxRetryTimes: 2, RetryInterval: time.Millisecond},
	}, "retry", nil, nil, core.TaskDependAll)
	require.NoError(t, err)

	factory, calls := newFlakySupervisorFactory(2)
	pi := &core.ProcessInstance{ID: 1, State: core.StatusRunningExecution}
	engine := New(pi, pd, &fakeStore{}, factory, nil, nil)
	engine.sleepInterval = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "two failures plus the succeeding attempt")
	assert.Equal(t, 2, engine.completeTaskList["a"].RetryTimes)
}

// TestEngine_PauseThenResume drives the engine's internal steps
// directly (rather than through Run's ticking loop) to hold it at a
// deterministic halfway point: "a" complete, "b" still queued. That
// models how a ReadyPause request halts a running instance, with the
// current ready queue drained no further, then resumes to completion
// once the instance transitions back to RunningExecution (scenario S6).
func TestEngine_PauseThenResume(t *testing.T) {
	pd, err := core.GenerateFlowDag([]*core.TaskNode{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	}, "pause", nil, nil, core.TaskDependAll)
	require.NoError(t, err)

	pi := &core.ProcessInstance{ID: 1, State: core.StatusReadyPause}
	engine := New(pi, pd, &fakeStore{}, newFakeSupervisor, nil, nil)

	ctx := context.Background()
	engine.submitPostNode(ctx, "")
	engine.dispatchReady(ctx)
	engine.reapFinishedSupervisors(ctx)

	assert.Contains(t, engine.completeTaskList, "a")
	assert.Contains(t, engine.readyToSubmitTaskList, "b")
	assert.Equal(t, core.StatusPause, engine.getProcessInstanceState())

	engine.pi.State = core.StatusRunningExecution
	engine.dispatchReady(ctx)
	engine.reapFinishedSupervisors(ctx)

	assert.Contains(t, engine.completeTaskList, "b")
	assert.Empty(t, engine.readyToSubmitTaskList)
	assert.Equal(t, core.StatusSuccess, engine.getProcessInstanceState())
}

func TestEngine_ComplementRange(t *testing.T) {
	pd, err := core.GenerateFlowDag([]*core.TaskNode{
		{Name: "a"},
	}, "complement", nil, nil, core.TaskDependAll)
	require.NoError(t, err)

	pi := &core.ProcessInstance{
		ID:               1,
		State:            core.StatusRunningExecution,
		IsComplementData: true,
		CommandParam: map[string]string{
			"complementDataStartDate": "2024-01-01",
			"complementDataEndDate":   "2024-01-03",
		},
	}
	st := &fakeStore{}
	engine := New(pi, pd, st, newFakeSupervisor, nil, nil)
	engine.sleepInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, status)

	var flaggedNo int
	for _, ti := range st.updated {
		if ti.Flag == core.FlagNo {
			flaggedNo++
		}
	}
	assert.Equal(t, 2, flaggedNo, "the first two of three dates' attempts are superseded by the next date's run")
	assert.NotEmpty(t, st.piUpdates, "each logical date persists its process instance transitions")
}

func diamondDag(t *testing.T) *core.ProcessDag {
	t.Helper()
	pd, err := core.GenerateFlowDag([]*core.TaskNode{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a"}},
		{Name: "d", Deps: []string{"b", "c"}},
	}, "diamond", nil, nil, core.TaskDependAll)
	require.NoError(t, err)
	return pd
}

func TestEngine_RunDrivesDiamondDagToSuccess(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1, State: core.StatusRunningExecution}
	st := &fakeStore{}
	engine := New(pi, diamondDag(t), st, newFakeSupervisor, nil, nil)
	engine.sleepInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, status)
	assert.Len(t, engine.completeTaskList, 4)
}

func TestEngine_IsTaskDepsComplete_SourceIsImmediatelySuccess(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1}
	engine := New(pi, diamondDag(t), &fakeStore{}, newFakeSupervisor, nil, nil)
	assert.Equal(t, core.DependSuccess, engine.isTaskDepsComplete("a"))
}

func TestEngine_IsTaskDepsComplete_WaitsOnIncompleteParent(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1}
	engine := New(pi, diamondDag(t), &fakeStore{}, newFakeSupervisor, nil, nil)
	assert.Equal(t, core.DependWaiting, engine.isTaskDepsComplete("b"))
}

func TestEngine_IsTaskDepsComplete_FailedParentPropagatesFailed(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1}
	engine := New(pi, diamondDag(t), &fakeStore{}, newFakeSupervisor, nil, nil)
	engine.completeTaskList["a"] = &core.TaskInstance{Name: "a", State: core.StatusFailure}
	assert.Equal(t, core.DependFailed, engine.isTaskDepsComplete("b"))
}

func TestEngine_StartFrontier_OnlySources(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1}
	engine := New(pi, diamondDag(t), &fakeStore{}, newFakeSupervisor, nil, nil)
	assert.Equal(t, []string{"a"}, engine.startFrontier())
}

func TestEngine_GetProcessInstanceState_FailureEndStrategy(t *testing.T) {
	pi := &core.ProcessInstance{ID: 1, FailureStrategy: core.FailureStrategyEnd}
	engine := New(pi, diamondDag(t), &fakeStore{}, newFakeSupervisor, nil, nil)
	engine.errorTaskList["b"] = &core.TaskInstance{Name: "b", State: core.StatusFailure}
	assert.Equal(t, core.StatusFailure, engine.getProcessInstanceState())
}
