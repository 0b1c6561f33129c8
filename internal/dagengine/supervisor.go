package dagengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mxsched/master-core/internal/coordinator"
	"github.com/mxsched/master-core/internal/coordpb"
	"github.com/mxsched/master-core/internal/core"
	"github.com/mxsched/master-core/internal/store"
)

// DefaultSubProcessPollInterval is how often a SubProcessSupervisor
// re-reads its child process instance's row while waiting for it to
// reach a terminal state.
const DefaultSubProcessPollInterval = 2 * time.Second

// Supervisor dispatches one TaskInstance to a Worker and watches for its
// terminal outcome. A DagEngine holds one Supervisor per currently
// active task.
type Supervisor interface {
	// Start persists ti, hands it to a waiting Worker poller, and begins
	// watching for the result. It returns ErrNoPoller immediately if no
	// poller is currently available; the DagEngine leaves ti in
	// readyToSubmitTaskList to retry dispatch on a later tick.
	Start(ctx context.Context, ti *core.TaskInstance) error
	// Done reports the watch completing, successfully or not.
	Done() <-chan struct{}
	// Result returns the final TaskInstance once Done is closed.
	Result() *core.TaskInstance
	// Kill cancels a running task's Worker-side context.
	Kill(ctx context.Context)
}

// MasterTaskSupervisor is the generic (non-sub-process) TaskSupervisor:
// it persists the TaskInstance, hands it to the
// coordinator's Handler for delivery to a Worker poller, and blocks on
// the Handler's AwaitResult channel until the Worker reports back or the
// watch is killed.
type MasterTaskSupervisor struct {
	handler *coordinator.Handler
	st      store.ProcessStore
	dagRun  string

	ti       *core.TaskInstance
	done     chan struct{}
	cancelCh chan struct{}
}

// NewMasterTaskSupervisor constructs a supervisor that dispatches
// through handler, persists through st, and identifies this process
// instance's run by dagRun (used as the coordpb DagRunID namespace).
func NewMasterTaskSupervisor(handler *coordinator.Handler, st store.ProcessStore, dagRun string) *MasterTaskSupervisor {
	return &MasterTaskSupervisor{
		handler:  handler,
		st:       st,
		dagRun:   dagRun,
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// Start implements Supervisor.
func (s *MasterTaskSupervisor) Start(ctx context.Context, ti *core.TaskInstance) error {
	s.ti = ti
	ti.State = core.StatusRunningExecution
	ti.StartTime = time.Now()
	if err := s.persist(ctx, ti); err != nil {
		return fmt.Errorf("dagengine: persist task instance before dispatch: %w", err)
	}

	task := &coordpb.Task{
		RootDagRunID:   s.dagRun,
		DagRunID:       s.dagRun,
		Operation:      coordpb.OperationStart,
		Step:           ti.Name,
		Target:         ti.TaskJSON.Type,
		WorkerSelector: selectorFor(ti),
	}

	resultCh := s.handler.AwaitResult(s.dagRun, ti.Name)

	if _, err := s.handler.Dispatch(ctx, &coordpb.DispatchRequest{Task: task}); err != nil {
		s.handler.CancelAwait(s.dagRun, ti.Name)
		return coordinator.ErrNoPoller
	}

	go s.watch(resultCh)
	return nil
}

func selectorFor(ti *core.TaskInstance) map[string]string {
	if ti.WorkerGroupID == "" {
		return nil
	}
	return map[string]string{"group": ti.WorkerGroupID}
}

func (s *MasterTaskSupervisor) watch(resultCh <-chan *coordpb.Task) {
	defer close(s.done)
	select {
	case reported := <-resultCh:
		s.ti.EndTime = time.Now()
		if reported.Succeeded {
			s.ti.State = core.StatusSuccess
		} else {
			s.ti.State = core.StatusFailure
		}
		s.persist(context.Background(), s.ti)
	case <-s.cancelCh:
		s.handler.CancelAwait(s.dagRun, s.ti.Name)
		s.ti.EndTime = time.Now()
		s.ti.State = core.StatusKill
		s.persist(context.Background(), s.ti)
	}
}

// Done implements Supervisor.
func (s *MasterTaskSupervisor) Done() <-chan struct{} { return s.done }

// Result implements Supervisor.
func (s *MasterTaskSupervisor) Result() *core.TaskInstance { return s.ti }

// Kill implements Supervisor by dispatching a Kill Operation to the
// worker (best-effort) and unblocking the local watch.
func (s *MasterTaskSupervisor) Kill(ctx context.Context) {
	task := &coordpb.Task{DagRunID: s.dagRun, Step: s.ti.Name, Operation: coordpb.OperationKill}
	s.handler.Dispatch(ctx, &coordpb.DispatchRequest{Task: task})
	select {
	case s.cancelCh <- struct{}{}:
	default:
	}
}

func (s *MasterTaskSupervisor) persist(ctx context.Context, ti *core.TaskInstance) error {
	if ti.ID == 0 {
		return s.st.SaveTaskInstance(ctx, ti)
	}
	return s.st.UpdateTaskInstance(ctx, ti)
}

// SubProcessSupervisor is the counterpart to MasterTaskSupervisor for a
// core.TaskTypeSubProcess node: instead of
// dispatching to a Worker, it starts (or observes) a child
// ProcessInstance identified by ti.TaskJSON.Params["subProcessInstanceId"]
// and polls the store until that child reaches a terminal Status,
// translating the child's outcome into this TaskInstance's own.
type SubProcessSupervisor struct {
	st           store.ProcessStore
	pollInterval time.Duration

	ti       *core.TaskInstance
	done     chan struct{}
	cancelCh chan struct{}
}

// NewSubProcessSupervisor constructs a supervisor polling st every
// pollInterval for the child process instance's completion.
func NewSubProcessSupervisor(st store.ProcessStore, pollInterval time.Duration) *SubProcessSupervisor {
	if pollInterval <= 0 {
		pollInterval = DefaultSubProcessPollInterval
	}
	return &SubProcessSupervisor{
		st:           st,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
		cancelCh:     make(chan struct{}),
	}
}

// Start implements Supervisor.
func (s *SubProcessSupervisor) Start(ctx context.Context, ti *core.TaskInstance) error {
	childID, err := strconv.ParseInt(ti.TaskJSON.Params["subProcessInstanceId"], 10, 64)
	if err != nil {
		return fmt.Errorf("dagengine: sub-process task %q missing subProcessInstanceId: %w", ti.Name, err)
	}

	s.ti = ti
	ti.State = core.StatusRunningExecution
	ti.StartTime = time.Now()
	if err := s.persist(ctx, ti); err != nil {
		return fmt.Errorf("dagengine: persist sub-process task instance: %w", err)
	}

	child, err := s.st.FindProcessInstanceByID(ctx, childID)
	if err != nil {
		return fmt.Errorf("dagengine: load sub-process instance %d: %w", childID, err)
	}
	if child.State == core.StatusSubmittedSuccess {
		child.State = core.StatusRunningExecution
		if err := s.st.UpdateProcessInstance(ctx, child); err != nil {
			return fmt.Errorf("dagengine: start sub-process instance %d: %w", childID, err)
		}
	}

	go s.watch(childID)
	return nil
}

func (s *SubProcessSupervisor) watch(childID int64) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelCh:
			s.ti.EndTime = time.Now()
			s.ti.State = core.StatusKill
			s.persist(context.Background(), s.ti)
			return
		case <-ticker.C:
			child, err := s.st.FindProcessInstanceByID(context.Background(), childID)
			if err != nil || !child.State.IsFinished() {
				continue
			}
			s.ti.EndTime = time.Now()
			s.ti.State = child.State
			s.persist(context.Background(), s.ti)
			return
		}
	}
}

// Done implements Supervisor.
func (s *SubProcessSupervisor) Done() <-chan struct{} { return s.done }

// Result implements Supervisor.
func (s *SubProcessSupervisor) Result() *core.TaskInstance { return s.ti }

// Kill implements Supervisor. The child process instance is left
// running; only this task's own wait is unblocked, since a sub-process
// task has no Worker-side context of its own, only this local watch.
func (s *SubProcessSupervisor) Kill(ctx context.Context) {
	select {
	case s.cancelCh <- struct{}{}:
	default:
	}
}

func (s *SubProcessSupervisor) persist(ctx context.Context, ti *core.TaskInstance) error {
	if ti.ID == 0 {
		return s.st.SaveTaskInstance(ctx, ti)
	}
	return s.st.UpdateTaskInstance(ctx, ti)
}
