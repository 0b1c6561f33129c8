package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskInstance_IsTaskComplete(t *testing.T) {
	ti := &TaskInstance{State: StatusSuccess}
	assert.True(t, ti.IsTaskComplete())

	ti.State = StatusRunningExecution
	assert.False(t, ti.IsTaskComplete())
}

func TestTaskInstance_CanRetry(t *testing.T) {
	now := time.Now()

	t.Run("not a failure", func(t *testing.T) {
		ti := &TaskInstance{State: StatusSuccess}
		assert.False(t, ti.CanRetry(now))
	})

	t.Run("no retries configured", func(t *testing.T) {
		ti := &TaskInstance{State: StatusFailure, RetryTimes: 0, TaskJSON: TaskNode{MaxRetryTimes: 0}}
		assert.False(t, ti.CanRetry(now))
	})

	t.Run("retries exhausted", func(t *testing.T) {
		ti := &TaskInstance{State: StatusFailure, RetryTimes: 3, TaskJSON: TaskNode{MaxRetryTimes: 3}}
		assert.False(t, ti.CanRetry(now))
	})

	t.Run("no interval configured, retries immediately", func(t *testing.T) {
		ti := &TaskInstance{State: StatusFailure, RetryTimes: 0, TaskJSON: TaskNode{MaxRetryTimes: 3}}
		assert.True(t, ti.CanRetry(now))
	})

	t.Run("interval not yet elapsed", func(t *testing.T) {
		ti := &TaskInstance{
			State: StatusFailure, RetryTimes: 0,
			TaskJSON: TaskNode{MaxRetryTimes: 3, RetryInterval: time.Hour},
			EndTime:  now,
		}
		assert.False(t, ti.CanRetry(now))
	})

	t.Run("interval elapsed", func(t *testing.T) {
		ti := &TaskInstance{
			State: StatusFailure, RetryTimes: 0,
			TaskJSON: TaskNode{MaxRetryTimes: 3, RetryInterval: time.Minute},
			EndTime:  now.Add(-2 * time.Minute),
		}
		assert.True(t, ti.CanRetry(now))
	})
}

func TestProcessInstance_ProcGroup(t *testing.T) {
	t.Run("nil instance", func(t *testing.T) {
		var pi *ProcessInstance
		assert.Equal(t, "", pi.ProcGroup())
	})

	t.Run("queue set", func(t *testing.T) {
		pi := &ProcessInstance{DefinitionID: 7, Queue: "etl-high-priority"}
		assert.Equal(t, "etl-high-priority", pi.ProcGroup())
	})

	t.Run("falls back to definition identity", func(t *testing.T) {
		pi := &ProcessInstance{DefinitionID: 7}
		assert.Equal(t, "definition-7", pi.ProcGroup())
	})
}

func TestProcessInstance_IsProcessInstanceStop(t *testing.T) {
	pi := &ProcessInstance{State: StatusSuccess}
	assert.True(t, pi.IsProcessInstanceStop())

	pi.State = StatusRunningExecution
	assert.False(t, pi.IsProcessInstanceStop())
}
