package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxsched/master-core/internal/core"
)

type countingStore struct {
	ProcessStore
	processReads int
	taskReads    int
}

func (c *countingStore) FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error) {
	c.processReads++
	return &core.ProcessInstance{ID: id}, nil
}

func (c *countingStore) SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}

func (c *countingStore) UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	return nil
}

func (c *countingStore) FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error) {
	c.taskReads++
	return &core.TaskInstance{ID: id}, nil
}

func (c *countingStore) SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	return nil
}

func (c *countingStore) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	return nil
}

func TestCachedStore_RepeatedReadsHitCache(t *testing.T) {
	underlying := &countingStore{}
	cached, err := NewCachedStore(underlying, 16)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		pi, err := cached.FindProcessInstanceByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), pi.ID)
	}
	assert.Equal(t, 1, underlying.processReads, "second and third read must be served from cache")
}

func TestCachedStore_UpdateInvalidatesCache(t *testing.T) {
	underlying := &countingStore{}
	cached, err := NewCachedStore(underlying, 16)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.FindTaskInstanceByID(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, cached.UpdateTaskInstance(ctx, &core.TaskInstance{ID: 3}))

	_, err = cached.FindTaskInstanceByID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, underlying.taskReads, "update must evict the cached entry")
}
