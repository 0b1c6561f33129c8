// Package store defines the ProcessStore contract — the only surface
// the Master execution core needs from the relational DAO layer and
// schema, which are otherwise treated as an external collaborator.
package store

import (
	"context"

	"github.com/mxsched/master-core/internal/core"
)

// ProcessStore persists process instances, task instances, and the
// commands that (re)start them. Implementations must make
// UpdateProcessInstance/UpdateTaskInstance last-writer-wins and must
// make ProcessNeedFailoverProcessInstances idempotent: a repeated call
// against an already-reclaimed instance must be a no-op, not an error.
type ProcessStore interface {
	FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error)
	SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error
	UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error

	// FindValidTaskListByProcessID returns every TaskInstance with Flag
	// == FlagYes for the given process instance.
	FindValidTaskListByProcessID(ctx context.Context, processInstanceID int64) ([]*core.TaskInstance, error)
	FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error)
	SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error
	UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error

	// QueryNeedFailoverProcessInstances returns process instances owned
	// by host (or every non-terminal instance when host == "") that a
	// failoverMaster sweep should re-stamp.
	QueryNeedFailoverProcessInstances(ctx context.Context, host string) ([]*core.ProcessInstance, error)
	// QueryNeedFailoverTaskInstances returns task instances owned by
	// host (or every running instance when host == "") that a
	// failoverWorker sweep should re-stamp.
	QueryNeedFailoverTaskInstances(ctx context.Context, host string) ([]*core.TaskInstance, error)

	// ProcessNeedFailoverProcessInstances clears pi.Host and sets its
	// state to NEED_FAULT_TOLERANCE; the recovery Command that lets a
	// live Master pick the instance back up is recorded separately by
	// CreateRecoveryWaitingThreadCommand. Must be safe to call twice
	// with the same instance.
	ProcessNeedFailoverProcessInstances(ctx context.Context, pi *core.ProcessInstance) error
	CreateRecoveryWaitingThreadCommand(ctx context.Context, existing *core.Command, pi *core.ProcessInstance) error

	// Verify checks the underlying DataSource is reachable.
	Verify(ctx context.Context) error
}
