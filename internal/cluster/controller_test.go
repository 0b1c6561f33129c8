package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxsched/master-core/internal/coord"
	"github.com/mxsched/master-core/internal/core"
)

func TestDiff(t *testing.T) {
	gone := diff([]string{"masters/h1", "masters/h2"}, []string{"masters/h1"})
	assert.Equal(t, []string{"masters/h2"}, gone)
}

func TestDiff_NothingGone(t *testing.T) {
	gone := diff([]string{"a"}, []string{"a", "b"})
	assert.Nil(t, gone)
}

func TestHostFromKey(t *testing.T) {
	assert.Equal(t, "host-1", hostFromKey(mastersPrefix, "cluster:masters/host-1"))
	assert.Equal(t, "unprefixed", hostFromKey(mastersPrefix, "unprefixed"))
}

// noopLease satisfies coord.Releaser without touching Redis, letting a
// test drive Controller's lock-gated sweeps without a real coordinator.
type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

// fakeCoord is a minimal coord.Service double: every host is alive
// unless listed in dead, and every lock acquires immediately.
type fakeCoord struct {
	dead    map[string]bool
	masters []string
	workers []string
}

func (f *fakeCoord) Register(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}
func (f *fakeCoord) Children(ctx context.Context, prefix string) ([]string, error) {
	switch prefix {
	case mastersPrefix:
		return f.masters, nil
	case workersPrefix:
		return f.workers, nil
	default:
		return nil, nil
	}
}
func (f *fakeCoord) Watch(ctx context.Context, prefix string, interval time.Duration, onChange func([]string)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeCoord) Lock(ctx context.Context, key string, ttl time.Duration) (coord.Releaser, error) {
	return noopLease{}, nil
}
func (f *fakeCoord) IsAlive(ctx context.Context, key string) (bool, error) {
	return !f.dead[key], nil
}

// fakeProcessStore backs the failover sweeps under test with in-memory
// process/task instances instead of a real relational store.
type fakeProcessStore struct {
	processes      []*core.ProcessInstance
	tasks          []*core.TaskInstance
	validTasks     map[int64][]*core.TaskInstance
	processedCount int
	commands       []*core.Command
	updatedTasks   []*core.TaskInstance
}

func (f *fakeProcessStore) FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error) {
	return nil, nil
}
func (f *fakeProcessStore) SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}
func (f *fakeProcessStore) UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}
func (f *fakeProcessStore) FindValidTaskListByProcessID(ctx context.Context, processInstanceID int64) ([]*core.TaskInstance, error) {
	return f.validTasks[processInstanceID], nil
}
func (f *fakeProcessStore) FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error) {
	return nil, nil
}
func (f *fakeProcessStore) SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	return nil
}
func (f *fakeProcessStore) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	f.updatedTasks = append(f.updatedTasks, ti)
	return nil
}
func (f *fakeProcessStore) QueryNeedFailoverProcessInstances(ctx context.Context, host string) ([]*core.ProcessInstance, error) {
	var out []*core.ProcessInstance
	for _, p := range f.processes {
		if host == "" || p.Host == host {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakeProcessStore) QueryNeedFailoverTaskInstances(ctx context.Context, host string) ([]*core.TaskInstance, error) {
	var out []*core.TaskInstance
	for _, ti := range f.tasks {
		if host == "" || ti.Host == host {
			out = append(out, ti)
		}
	}
	return out, nil
}
func (f *fakeProcessStore) ProcessNeedFailoverProcessInstances(ctx context.Context, pi *core.ProcessInstance) error {
	f.processedCount++
	pi.Host = ""
	return nil
}
func (f *fakeProcessStore) CreateRecoveryWaitingThreadCommand(ctx context.Context, cmd *core.Command, pi *core.ProcessInstance) error {
	f.commands = append(f.commands, cmd)
	return nil
}
func (f *fakeProcessStore) Verify(ctx context.Context) error { return nil }

func newTestController(coordSvc *fakeCoord, st *fakeProcessStore, host string) *Controller {
	c := NewController(coordSvc, st, host)
	c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c.lockTTL = time.Second
	return c
}

// TestController_FailoverWorkerReclaimsOnlyDeadHostTasks exercises the
// worker-loss/tolerance scenario: a task owned by a dead worker is
// stamped NEED_FAULT_TOLERANCE while one owned by a live worker is left
// alone (scenario S5).
func TestController_FailoverWorkerReclaimsOnlyDeadHostTasks(t *testing.T) {
	st := &fakeProcessStore{
		tasks: []*core.TaskInstance{
			{ID: 1, Name: "a", Host: "dead-worker", State: core.StatusRunningExecution},
			{ID: 2, Name: "b", Host: "live-worker", State: core.StatusRunningExecution},
		},
	}
	coordSvc := &fakeCoord{dead: map[string]bool{workersPrefix + "dead-worker": true}}
	c := newTestController(coordSvc, st, "master-1")

	c.failoverWorker("dead-worker", true)

	require.Len(t, st.updatedTasks, 1)
	assert.Equal(t, int64(1), st.updatedTasks[0].ID)
	assert.Equal(t, core.StatusNeedFaultTolerance, st.updatedTasks[0].State)
}

// TestController_FailoverWorkerStartupSweepIgnoresLiveWorkers models the
// masters-count==1 startup sweep, which calls failoverWorker("", true)
// against every running task instance regardless of owner: only the
// ones whose host is no longer registered are reclaimed.
func TestController_FailoverWorkerStartupSweepIgnoresLiveWorkers(t *testing.T) {
	st := &fakeProcessStore{
		tasks: []*core.TaskInstance{
			{ID: 1, Name: "a", Host: "dead-worker", State: core.StatusRunningExecution},
			{ID: 2, Name: "b", Host: "live-worker", State: core.StatusRunningExecution},
			{ID: 3, Name: "c", Host: "", State: core.StatusRunningExecution},
		},
	}
	coordSvc := &fakeCoord{dead: map[string]bool{workersPrefix + "dead-worker": true}}
	c := newTestController(coordSvc, st, "master-1")

	c.failoverWorker("", true)

	require.Len(t, st.updatedTasks, 1)
	assert.Equal(t, int64(1), st.updatedTasks[0].ID)
}

// TestController_FailoverMasterEnqueuesRecoveryCommand exercises the
// master-loss/recovery scenario: an orphaned process instance gets
// reset for fault tolerance and a recovery Command naming its
// still-incomplete task instances as resume points (scenario S8).
func TestController_FailoverMasterEnqueuesRecoveryCommand(t *testing.T) {
	st := &fakeProcessStore{
		processes: []*core.ProcessInstance{
			{ID: 10, Host: "dead-master", State: core.StatusRunningExecution},
		},
		validTasks: map[int64][]*core.TaskInstance{
			10: {
				{ID: 101, State: core.StatusSuccess},
				{ID: 102, State: core.StatusRunningExecution},
				{ID: 103, State: core.StatusSubmittedSuccess},
			},
		},
	}
	coordSvc := &fakeCoord{dead: map[string]bool{mastersPrefix + "dead-master": true}}
	c := newTestController(coordSvc, st, "master-1")

	c.failoverMaster("dead-master")

	assert.Equal(t, 1, st.processedCount)
	require.Len(t, st.commands, 1)
	cmd := st.commands[0]
	assert.Equal(t, int64(10), cmd.ProcessInstanceID)
	assert.ElementsMatch(t, []int64{102, 103}, cmd.RecoveryStartNodeIDs)
	assert.Equal(t, core.StatusNeedFaultTolerance, st.processes[0].State)
}

// TestController_FailoverMasterSkipsLiveHost guards against a stale
// watch notification triggering a sweep against a master that is still
// registered (e.g. a transient missed heartbeat tick).
func TestController_FailoverMasterSkipsLiveHost(t *testing.T) {
	st := &fakeProcessStore{
		processes: []*core.ProcessInstance{{ID: 10, Host: "live-master"}},
	}
	coordSvc := &fakeCoord{}
	c := newTestController(coordSvc, st, "master-1")

	c.failoverMaster("live-master")

	assert.Zero(t, st.processedCount)
	assert.Empty(t, st.commands)
}

func TestController_StartupSweep_SoleLiveMaster(t *testing.T) {
	st := &fakeProcessStore{
		processes: []*core.ProcessInstance{{ID: 10, Host: ""}},
	}
	coordSvc := &fakeCoord{masters: []string{mastersPrefix + "master-1"}}
	c := newTestController(coordSvc, st, "master-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.startupSweep(ctx, time.Second))

	assert.Equal(t, 1, st.processedCount, "sole live master sweeps orphaned process instances at startup")
}
