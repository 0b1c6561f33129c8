// Package dagengine implements the DagEngine: the single-owner,
// single-threaded state machine that drives one process instance's DAG
// from its start frontier to a terminal ExecutionStatus.
package dagengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mxsched/master-core/internal/core"
	"github.com/mxsched/master-core/internal/store"
)

// SleepInterval is the fixed tick period of the main loop.
const SleepInterval = 1 * time.Second

// complementDateLayout is the wire format commandParam's
// complementDataStartDate/complementDataEndDate are parsed with.
const complementDateLayout = "2006-01-02"

// Alerter is notified of tolerance-fault recoveries and timeout
// conditions a DagEngine observes. internal/alert provides fan-out
// implementations over Slack/Discord.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// AdmissionControl gates new task dispatch on host resource pressure
// (host CPU/memory pressure gating dispatch).
type AdmissionControl interface {
	CanSubmit(ctx context.Context) bool
}

// SupervisorFactory constructs the Supervisor used to dispatch one
// TaskInstance, branching on ti's TaskNode type: a sub-process task
// gets a SubProcessSupervisor, everything else a generic
// MasterTaskSupervisor. Exists so tests can substitute a fake in place
// of the real gRPC-backed/store-polling implementations.
type SupervisorFactory func(dagRun string, ti *core.TaskInstance) Supervisor

// Engine is the DagEngine: one instance drives exactly one
// ProcessInstance at a time.
type Engine struct {
	pi  *core.ProcessInstance
	dag *core.ProcessDag
	st  store.ProcessStore

	alerter        Alerter
	admission      AdmissionControl
	newSupervisor  SupervisorFactory
	sleepInterval  time.Duration
	logger         *slog.Logger

	completeTaskList              map[string]*core.TaskInstance
	errorTaskList                 map[string]*core.TaskInstance
	readyToSubmitTaskList         map[string]*core.TaskInstance
	activeSupervisors             map[string]Supervisor
	dependFailedTask              map[string]*core.TaskInstance
	forbiddenTaskList              map[string]bool
	recoverToleranceFaultTaskList map[string]*core.TaskInstance
	taskFailedSubmit              bool

	timeoutAlerted bool
}

// New constructs an Engine for pi, traversing dag, persisting through
// st, dispatching tasks via newSupervisor, alerting via alerter, and
// gating dispatch via admission.
func New(pi *core.ProcessInstance, dag *core.ProcessDag, st store.ProcessStore, newSupervisor SupervisorFactory, alerter Alerter, admission AdmissionControl) *Engine {
	e := &Engine{
		pi:            pi,
		dag:           dag,
		st:            st,
		alerter:       alerter,
		admission:     admission,
		newSupervisor: newSupervisor,
		sleepInterval: SleepInterval,
		logger:        slog.With("component", "dagengine", "process_instance_id", pi.ID),
	}
	e.resetRunState()
	return e
}

// resetRunState clears every map scoped to a single pass through the
// DAG. Complement-data mode calls this between logical dates so a
// date's stale completeTaskList entries don't block the next date's
// nodes from being resubmitted.
func (e *Engine) resetRunState() {
	e.completeTaskList = make(map[string]*core.TaskInstance)
	e.errorTaskList = make(map[string]*core.TaskInstance)
	e.readyToSubmitTaskList = make(map[string]*core.TaskInstance)
	e.activeSupervisors = make(map[string]Supervisor)
	e.dependFailedTask = make(map[string]*core.TaskInstance)
	e.forbiddenTaskList = make(map[string]bool)
	e.recoverToleranceFaultTaskList = make(map[string]*core.TaskInstance)
	e.taskFailedSubmit = false
	e.timeoutAlerted = false
}

// prepareProcess seeds complete/error task lists from persisted
// TaskInstances and marks the DAG's forbidden nodes, the bootstrapping
// step a resumed or recovered instance needs before it can resume
// dispatch.
func (e *Engine) prepareProcess(ctx context.Context) error {
	for name, node := range e.dag.Nodes {
		if node.Forbidden {
			e.forbiddenTaskList[name] = true
		}
	}

	existing, err := e.st.FindValidTaskListByProcessID(ctx, e.pi.ID)
	if err != nil {
		return fmt.Errorf("dagengine: load existing task instances: %w", err)
	}
	for _, ti := range existing {
		switch {
		case ti.IsTaskComplete() && !ti.State.IsFailure():
			e.completeTaskList[ti.Name] = ti
		case ti.IsTaskComplete() && ti.State.IsFailure() && ti.RetryTimes >= ti.TaskJSON.MaxRetryTimes:
			e.errorTaskList[ti.Name] = ti
			e.completeTaskList[ti.Name] = ti
		}
	}
	return nil
}

// Run executes the process instance to a terminal or halted Status. A
// complement-data run delegates to runComplement's
// date-stepping loop; everything else is a single runOnce pass.
func (e *Engine) Run(ctx context.Context) (core.Status, error) {
	if e.pi.IsComplementData && !e.pi.IsSubProcess {
		return e.runComplement(ctx)
	}
	return e.runOnce(ctx)
}

// runComplement re-runs runOnce once per logical date from
// commandParam.complementDataStartDate (or ScheduleTime, if unset)
// through complementDataEndDate. A SUCCESS terminal state before the
// end date flips that date's task instances to flag=NO, resets process
// state to RUNNING_EXECUTION, and advances scheduleTime by one day; any
// other terminal state aborts the whole complement run immediately.
func (e *Engine) runComplement(ctx context.Context) (core.Status, error) {
	start := e.pi.ScheduleTime
	if v := e.pi.CommandParam["complementDataStartDate"]; v != "" {
		if t, err := time.Parse(complementDateLayout, v); err == nil {
			start = t
		}
	}
	end := start
	if v := e.pi.CommandParam["complementDataEndDate"]; v != "" {
		if t, err := time.Parse(complementDateLayout, v); err == nil {
			end = t
		}
	}

	scheduleTime := start
	for {
		e.pi.ScheduleTime = scheduleTime
		e.resetRunState()

		status, err := e.runOnce(ctx)
		if err != nil {
			return status, err
		}
		if status != core.StatusSuccess {
			e.logger.Info("complement run aborted on non-success terminal state",
				"schedule_time", scheduleTime, "status", status)
			return status, nil
		}
		if !scheduleTime.Before(end) {
			return status, nil
		}

		if err := e.flipPriorAttemptsToFlagNo(ctx); err != nil {
			return core.StatusFailure, err
		}

		scheduleTime = scheduleTime.AddDate(0, 0, 1)
		e.pi.State = core.StatusRunningExecution
		if err := e.st.UpdateProcessInstance(ctx, e.pi); err != nil {
			e.logger.Error("persist process instance for next complement date", "error", err)
		}
	}
}

// flipPriorAttemptsToFlagNo marks the just-finished date's task
// instances as superseded so prepareProcess's next pass won't treat
// them as the active attempt for their (processInstanceId, name) pair.
func (e *Engine) flipPriorAttemptsToFlagNo(ctx context.Context) error {
	for _, ti := range e.completeTaskList {
		ti.Flag = core.FlagNo
		if err := e.st.UpdateTaskInstance(ctx, ti); err != nil {
			return fmt.Errorf("dagengine: flag previous complement attempt: %w", err)
		}
	}
	return nil
}

// runOnce executes the main loop until the process instance reaches a
// terminal or halted state, returning that terminal Status.
func (e *Engine) runOnce(ctx context.Context) (core.Status, error) {
	if err := e.prepareProcess(ctx); err != nil {
		return core.StatusFailure, err
	}

	e.submitPostNode(ctx, "")

	for {
		select {
		case <-ctx.Done():
			return e.pi.State, ctx.Err()
		default:
		}

		e.checkTimeout(ctx)
		e.reapFinishedSupervisors(ctx)

		if len(e.errorTaskList) > 0 {
			e.demoteStalePauses()
		}

		e.flushToleranceAlerts(ctx)

		if e.admission == nil || e.admission.CanSubmit(ctx) {
			e.dispatchReady(ctx)
		}

		newState := e.getProcessInstanceState()
		if newState != e.pi.State {
			e.pi.State = newState
			if err := e.st.UpdateProcessInstance(ctx, e.pi); err != nil {
				e.logger.Error("persist process instance state", "error", err)
			}
		}

		if e.pi.IsProcessInstanceStop() {
			return e.pi.State, nil
		}

		select {
		case <-ctx.Done():
			return e.pi.State, ctx.Err()
		case <-time.After(e.sleepInterval):
		}
	}
}

func (e *Engine) checkTimeout(ctx context.Context) {
	if e.timeoutAlerted || e.pi.TimeoutMinutes <= 0 {
		return
	}
	if time.Since(e.pi.StartTime) >= time.Duration(e.pi.TimeoutMinutes)*time.Minute {
		e.timeoutAlerted = true
		if e.alerter != nil {
			e.alerter.Alert(ctx, "process instance timeout",
				fmt.Sprintf("process instance %d exceeded %d minute timeout", e.pi.ID, e.pi.TimeoutMinutes))
		}
	}
}

// reapFinishedSupervisors implements step 2.b of the main loop.
func (e *Engine) reapFinishedSupervisors(ctx context.Context) {
	for name, sup := range e.activeSupervisors {
		select {
		case <-sup.Done():
		default:
			continue
		}

		delete(e.activeSupervisors, name)
		ti := sup.Result()
		if ti == nil {
			e.taskFailedSubmit = true
			continue
		}

		switch {
		case ti.State.IsSuccess():
			e.completeTaskList[name] = ti
			e.submitPostNode(ctx, name)
		case ti.State == core.StatusNeedFaultTolerance:
			e.recoverToleranceFaultTaskList[name] = ti
			if ti.CanRetry(time.Now()) {
				e.readyToSubmitTaskList[name] = ti
			} else {
				e.errorTaskList[name] = ti
				e.completeTaskList[name] = ti
				if e.pi.FailureStrategy == core.FailureStrategyEnd {
					e.killOthers(ctx)
				}
			}
		case ti.State.IsPause() || ti.State.IsCancel():
			e.completeTaskList[name] = ti
		default: // failure
			if ti.State.IsFailure() && ti.RetryTimes < ti.TaskJSON.MaxRetryTimes {
				// dispatchReady holds it until its retry backoff has elapsed.
				e.readyToSubmitTaskList[name] = ti
			} else {
				e.errorTaskList[name] = ti
				e.completeTaskList[name] = ti
				if e.pi.FailureStrategy == core.FailureStrategyEnd {
					e.killOthers(ctx)
				}
			}
		}
	}
}

// demoteStalePauses implements step 2.c: once any task has failed,
// completed-but-paused tasks are rewritten to KILL since failure
// supersedes a pending pause.
func (e *Engine) demoteStalePauses() {
	for name, ti := range e.completeTaskList {
		if ti.State == core.StatusPause {
			ti.State = core.StatusKill
			e.completeTaskList[name] = ti
		}
	}
}

func (e *Engine) flushToleranceAlerts(ctx context.Context) {
	if len(e.recoverToleranceFaultTaskList) == 0 || e.alerter == nil {
		return
	}
	for name := range e.recoverToleranceFaultTaskList {
		e.alerter.Alert(ctx, "task needs fault tolerance",
			fmt.Sprintf("process instance %d task %q entered NEED_FAULT_TOLERANCE", e.pi.ID, name))
	}
	e.recoverToleranceFaultTaskList = make(map[string]*core.TaskInstance)
}

// dispatchReady implements step 2.e: walk readyToSubmitTaskList and hand
// off every task whose dependencies are satisfied and retry backoff has
// elapsed.
func (e *Engine) dispatchReady(ctx context.Context) {
	if e.pi.FailureStrategy == core.FailureStrategyEnd && len(e.errorTaskList) > 0 {
		return
	}
	for name, ti := range e.readyToSubmitTaskList {
		if ti.State.IsFailure() && !ti.CanRetry(time.Now()) {
			continue
		}

		switch e.isTaskDepsComplete(name) {
		case core.DependWaiting:
			continue
		case core.DependFailed:
			e.dependFailedTask[name] = ti
			delete(e.readyToSubmitTaskList, name)
			continue
		}

		e.submitTaskExec(ctx, ti)
	}
}

// submitTaskExec dispatches one ready TaskInstance to a Supervisor.
func (e *Engine) submitTaskExec(ctx context.Context, ti *core.TaskInstance) {
	prevState, prevRetryTimes := ti.State, ti.RetryTimes
	if ti.State.IsFailure() {
		ti.RetryTimes++
	}
	sup := e.newSupervisor(fmt.Sprintf("%d", e.pi.ID), ti)
	if err := sup.Start(ctx, ti); err != nil {
		ti.State, ti.RetryTimes = prevState, prevRetryTimes
		e.logger.Debug("no poller available, will retry next tick", "task", ti.Name, "error", err)
		return
	}
	delete(e.readyToSubmitTaskList, ti.Name)
	e.activeSupervisors[ti.Name] = sup
}

// submitPostNode enqueues parent's not-yet-submitted children for
// dispatch. An empty parent computes the
// start frontier; otherwise it produces parent's direct successors.
func (e *Engine) submitPostNode(ctx context.Context, parent string) {
	var candidates []string
	if parent == "" {
		candidates = e.startFrontier()
	} else {
		candidates = e.dag.Children(parent)
	}

	for _, name := range candidates {
		if e.forbiddenTaskList[name] {
			continue
		}
		if _, ok := e.readyToSubmitTaskList[name]; ok {
			continue
		}
		if _, ok := e.completeTaskList[name]; ok {
			continue
		}

		ti := e.findTaskIfExists(name)
		if ti != nil && (ti.State.IsPause() || ti.State.IsCancel()) {
			e.logger.Info("skipping node with paused/canceled prior instance", "task", name)
			continue
		}
		if ti == nil {
			node := e.dag.Nodes[name]
			ti = &core.TaskInstance{
				ProcessInstanceID:    e.pi.ID,
				Name:                 name,
				State:                core.StatusSubmittedSuccess,
				RetryTimes:           0,
				Flag:                 core.FlagYes,
				TaskJSON:             *node,
				TaskInstancePriority: core.DefaultPriority,
				WorkerGroupID:        node.WorkerGroupID,
				StartTime:            time.Now(),
			}
		}
		e.readyToSubmitTaskList[name] = ti
	}
}

// startFrontier descends from the DAG's sources, skipping forbidden and
// already-successful nodes, producing every node with no unsatisfied
// ancestor outside completeTaskList.
func (e *Engine) startFrontier() []string {
	var frontier []string
	visited := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		if visited[name] || e.forbiddenTaskList[name] {
			return
		}
		visited[name] = true
		if _, done := e.completeTaskList[name]; done {
			for _, child := range e.dag.Children(name) {
				visit(child)
			}
			return
		}
		if e.isTaskDepsComplete(name) == core.DependSuccess {
			frontier = append(frontier, name)
			return
		}
		for _, parent := range e.dag.Parents(name) {
			visit(parent)
		}
	}

	for _, source := range e.dag.Sources() {
		visit(source)
	}
	return frontier
}

func (e *Engine) findTaskIfExists(name string) *core.TaskInstance {
	if ti, ok := e.completeTaskList[name]; ok {
		return ti
	}
	if ti, ok := e.readyToSubmitTaskList[name]; ok {
		return ti
	}
	return nil
}

// isTaskDepsComplete reports whether name's non-forbidden parents have
// all reached a dependency-satisfying terminal state.
func (e *Engine) isTaskDepsComplete(name string) core.DependResult {
	parents := e.dag.NonForbiddenParents(name)
	if len(parents) == 0 {
		return core.DependSuccess
	}

	for _, parent := range parents {
		if e.forbiddenTaskList[parent] {
			continue
		}
		ti, ok := e.completeTaskList[parent]
		if !ok {
			return core.DependWaiting
		}
		if ti.State.IsFailure() {
			return core.DependFailed
		}
		if ti.State.IsPause() || ti.State.IsCancel() {
			return core.DependWaiting
		}
	}
	return core.DependSuccess
}

func (e *Engine) hasFailedTask() bool {
	return len(e.errorTaskList) > 0 || len(e.dependFailedTask) > 0
}

// getProcessInstanceState aggregates task state into the instance's
// own terminal/running Status.
func (e *Engine) getProcessInstanceState() core.Status {
	if len(e.activeSupervisors) > 0 {
		switch e.pi.State {
		case core.StatusReadyStop, core.StatusReadyPause, core.StatusWaitingThread:
			return e.pi.State
		default:
			return core.StatusRunningExecution
		}
	}

	if e.hasFailedTask() {
		if e.pi.FailureStrategy == core.FailureStrategyEnd {
			return core.StatusFailure
		}
		if len(e.readyToSubmitTaskList) == 0 {
			return core.StatusFailure
		}
	}

	for _, ti := range e.completeTaskList {
		if ti.State.IsWaitingThread() {
			return core.StatusWaitingThread
		}
	}

	switch e.pi.State {
	case core.StatusReadyPause:
		return e.processReadyPause()
	case core.StatusReadyStop:
		return e.processReadyStop()
	case core.StatusRunningExecution:
		if len(e.readyToSubmitTaskList) == 0 {
			return core.StatusSuccess
		}
		return core.StatusRunningExecution
	default:
		return e.pi.State
	}
}

func (e *Engine) processReadyPause() core.Status {
	for _, ti := range e.readyToSubmitTaskList {
		if ti.State.IsFailure() {
			return core.StatusFailure
		}
	}
	for _, ti := range e.completeTaskList {
		if ti.State == core.StatusPause {
			return core.StatusPause
		}
	}
	if e.pi.IsComplementData && e.pi.State != core.StatusSuccess {
		return core.StatusPause
	}
	if len(e.readyToSubmitTaskList) > 0 {
		return core.StatusPause
	}
	return core.StatusSuccess
}

func (e *Engine) processReadyStop() core.Status {
	for _, ti := range e.completeTaskList {
		if ti.State == core.StatusStop || ti.State == core.StatusKill {
			return core.StatusStop
		}
	}
	if e.pi.IsComplementData && e.pi.State != core.StatusSuccess {
		return core.StatusStop
	}
	return core.StatusSuccess
}

// killOthers cancels every still-active Supervisor once the instance
// is failing end-to-end under FailureStrategyEnd.
func (e *Engine) killOthers(ctx context.Context) {
	for name, sup := range e.activeSupervisors {
		ti := sup.Result()
		if ti != nil && ti.IsTaskComplete() {
			continue
		}
		sup.Kill(ctx)
		e.logger.Info("killed active task", "task", name)
	}
}
