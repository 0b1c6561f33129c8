package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mxsched/master-core/internal/core"
)

// CachedStore decorates a ProcessStore with bounded in-memory LRU caches
// for process/task instance reads, so a busy DagEngine re-polling its
// own instance doesn't round-trip the database on every loop tick.
// Writes always go through to the underlying store and evict the
// corresponding cache entry; reads never cache a miss.
type CachedStore struct {
	ProcessStore
	processes *lru.Cache[int64, *core.ProcessInstance]
	tasks     *lru.Cache[int64, *core.TaskInstance]
}

// NewCachedStore wraps next with process/task instance caches sized size.
func NewCachedStore(next ProcessStore, size int) (*CachedStore, error) {
	processes, err := lru.New[int64, *core.ProcessInstance](size)
	if err != nil {
		return nil, err
	}
	tasks, err := lru.New[int64, *core.TaskInstance](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{ProcessStore: next, processes: processes, tasks: tasks}, nil
}

// FindProcessInstanceByID implements ProcessStore.
func (c *CachedStore) FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error) {
	if pi, ok := c.processes.Get(id); ok {
		return pi, nil
	}
	pi, err := c.ProcessStore.FindProcessInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.processes.Add(id, pi)
	return pi, nil
}

// SaveProcessInstance implements ProcessStore.
func (c *CachedStore) SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	if err := c.ProcessStore.SaveProcessInstance(ctx, pi); err != nil {
		return err
	}
	c.processes.Remove(pi.ID)
	return nil
}

// UpdateProcessInstance implements ProcessStore.
func (c *CachedStore) UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	if err := c.ProcessStore.UpdateProcessInstance(ctx, pi); err != nil {
		return err
	}
	c.processes.Remove(pi.ID)
	return nil
}

// FindTaskInstanceByID implements ProcessStore.
func (c *CachedStore) FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error) {
	if ti, ok := c.tasks.Get(id); ok {
		return ti, nil
	}
	ti, err := c.ProcessStore.FindTaskInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.tasks.Add(id, ti)
	return ti, nil
}

// SaveTaskInstance implements ProcessStore.
func (c *CachedStore) SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	if err := c.ProcessStore.SaveTaskInstance(ctx, ti); err != nil {
		return err
	}
	c.tasks.Remove(ti.ID)
	return nil
}

// UpdateTaskInstance implements ProcessStore.
func (c *CachedStore) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	if err := c.ProcessStore.UpdateTaskInstance(ctx, ti); err != nil {
		return err
	}
	c.tasks.Remove(ti.ID)
	return nil
}
