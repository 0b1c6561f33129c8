package core

import (
	"fmt"
	"time"
)

// TaskTypeSubProcess marks a TaskNode whose Params name a child
// workflow to run to completion rather than a Worker-dispatched step;
// submitTaskExec gives these a SubProcessSupervisor instead of the
// generic MasterTaskSupervisor.
const TaskTypeSubProcess = "SUB_PROCESS"

// TaskNode is the static, DAG-authoring-format-independent shape of one
// node in a workflow definition. Only this parsed shape is in scope;
// the authoring format itself is not specified here.
type TaskNode struct {
	Name                 string            `json:"name"`
	Type                 string            `json:"type"`
	Deps                 []string          `json:"deps,omitempty"`
	MaxRetryTimes        int               `json:"maxRetryTimes,omitempty"`
	RetryInterval        time.Duration     `json:"retryInterval,omitempty"`
	TaskInstancePriority Priority          `json:"priority,omitempty"`
	WorkerGroupID        string            `json:"workerGroupId,omitempty"`
	Forbidden            bool              `json:"forbidden,omitempty"`
	Params               map[string]string `json:"params,omitempty"`
}

// DAG is the in-memory graph of a workflow definition, keyed by node
// name with adjacency tracked in both directions. Construction always
// verifies acyclicity.
type DAG struct {
	Name  string
	Nodes map[string]*TaskNode

	children map[string][]string
	parents  map[string][]string
}

// Command is a persisted queue record asking that a process instance be
// (re)started, consumed by the upstream Scheduler producer and, on
// recovery, re-enqueued by the cluster controller's failover routine.
type Command struct {
	ProcessInstanceID      int64
	RecoveryStartNodeIDs   []int64
	StartNodeNames         []string
	ComplementStartDate    time.Time
	ComplementEndDate      time.Time
	TaskDependType         TaskDependType
}

// TaskDependType controls how a ProcessDag is sliced relative to a set
// of start/recovery nodes.
type TaskDependType int

// Slicing directions for generateFlowDag / ProcessDag.
const (
	TaskDependAll TaskDependType = iota
	TaskDependForward
	TaskDependBackward
)

// ProcessInstance is one run of a workflow DAG.
type ProcessInstance struct {
	ID               int64
	DefinitionID     int64
	DefinitionJSON   string
	State            Status
	CommandType      string
	CommandParam     map[string]string
	Host             string
	StartTime        time.Time
	EndTime          time.Time
	ScheduleTime     time.Time
	TimeoutMinutes   int
	FailureStrategy  FailureStrategy
	IsComplementData bool
	IsSubProcess     bool
	GlobalParams     map[string]string

	// Queue is the default worker-group queue this instance's tasks were
	// submitted under. ProcGroup uses it, when set, as the
	// liveness-check namespace for the whole family of process instances
	// sharing it.
	Queue string
}

// ProcGroup namespaces liveness checks: every process instance of the
// same workflow definition shares a claim group so a sweep can ask
// "is anything from this family still alive" without scanning the
// whole store. It returns Queue if the instance has one set, else falls
// back to the owning definition's identity —
// the same Queue-else-Name fallback shape the DAG-level grouping this
// is generalized from uses, with DefinitionID standing in for Name
// since a ProcessInstance carries no separate definition name.
func (p *ProcessInstance) ProcGroup() string {
	if p == nil {
		return ""
	}
	if p.Queue != "" {
		return p.Queue
	}
	return fmt.Sprintf("definition-%d", p.DefinitionID)
}

// IsProcessInstanceStop reports whether the DagEngine driving this
// instance should stop its main loop.
func (p *ProcessInstance) IsProcessInstanceStop() bool {
	return p.State.IsFinished()
}

// TaskInstance is one attempt of a TaskNode inside a ProcessInstance.
type TaskInstance struct {
	ID                int64
	ProcessInstanceID int64
	Name              string
	State             Status
	Host              string
	Flag              TaskFlag
	RetryTimes        int
	StartTime         time.Time
	EndTime           time.Time
	TaskJSON          TaskNode
	TaskInstancePriority Priority
	WorkerGroupID     string
	AlertFlag         bool
	AppLinks          []string
}

// TaskFlag marks whether a TaskInstance row is the currently-active
// attempt for its (ProcessInstanceID, Name) pair.
type TaskFlag int

// Flag values.
const (
	FlagYes TaskFlag = iota
	FlagNo
)

// IsTaskComplete reports whether the task reached any terminal state.
func (t *TaskInstance) IsTaskComplete() bool {
	return t.State.IsFinished()
}

// CanRetry reports whether this attempt may be dispatched again. A
// NEED_FAULT_TOLERANCE attempt always may, whatever its RetryTimes; a
// failed attempt may while it still has retries left and its backoff
// interval has elapsed.
func (t *TaskInstance) CanRetry(now time.Time) bool {
	if t.State == StatusNeedFaultTolerance {
		return true
	}
	if !t.State.IsFailure() {
		return false
	}
	if t.RetryTimes >= t.TaskJSON.MaxRetryTimes {
		return false
	}
	if t.TaskJSON.RetryInterval <= 0 {
		return true
	}
	return now.Sub(t.EndTime) >= t.TaskJSON.RetryInterval
}
