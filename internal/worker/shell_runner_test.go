package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunner_RunSucceeds(t *testing.T) {
	r := ShellRunner{}
	err := r.Run(context.Background(), "exit 0", "step-a", "")
	require.NoError(t, err)
}

func TestShellRunner_RunFailureIncludesOutput(t *testing.T) {
	r := ShellRunner{}
	err := r.Run(context.Background(), "echo boom && exit 1", "step-b", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestShellRunner_ExportsTaskParams(t *testing.T) {
	r := ShellRunner{}
	err := r.Run(context.Background(), `[ "$TASK_PARAMS" = "k=v" ]`, "step-c", "k=v")
	require.NoError(t, err)
}
