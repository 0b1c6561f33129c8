package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/mxsched/master-core/internal/coordpb"
)

// Runner actually executes one task's work (a shell command, a plugin
// call, etc). TaskHandler is deliberately runner-agnostic so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, target, step, params string) error
}

// ShellRunner runs a task's Target as a POSIX shell script through
// mvdan.cc/sh's pure-Go interpreter instead of shelling out to an
// external /bin/sh, so the same binary behaves identically regardless
// of which shell (or whether any shell at all) is installed on a
// Worker's host.
type ShellRunner struct {
	Shell string // informational only; the interpreter always parses POSIX syntax
}

// Run implements Runner by parsing target as a shell script and running
// it against the interpreter's own environment, which is seeded from
// the process environment plus TASK_PARAMS.
func (r ShellRunner) Run(ctx context.Context, target, step, params string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(target), step)
	if err != nil {
		return fmt.Errorf("worker: parse shell command: %w", err)
	}

	env := os.Environ()
	if params != "" {
		env = append(env, "TASK_PARAMS="+params)
	}

	var out bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &out, &out),
		interp.Env(expand.ListEnviron(env...)),
	)
	if err != nil {
		return fmt.Errorf("worker: build shell interpreter: %w", err)
	}

	if err := runner.Run(ctx, file); err != nil {
		return fmt.Errorf("worker: command failed: %w: %s", err, out.Bytes())
	}
	return nil
}

// Reporter sends a task's terminal outcome back to the owning Master's
// coordinator so its DagEngine can resume traversal.
type Reporter interface {
	Report(ctx context.Context, task *coordpb.Task) error
}

// TaskHandler implements TaskExecutor, dispatching a coordpb.Task by its
// Operation to a Runner and reporting the result through a Reporter.
type TaskHandler struct {
	runner   Runner
	reporter Reporter

	mu    sync.Mutex
	kills map[string]context.CancelFunc
}

// NewTaskHandler constructs a TaskHandler backed by runner, reporting
// outcomes through reporter.
func NewTaskHandler(runner Runner, reporter Reporter) *TaskHandler {
	return &TaskHandler{
		runner:   runner,
		reporter: reporter,
		kills:    make(map[string]context.CancelFunc),
	}
}

// Handle dispatches task by Operation: Start and Retry run the task's
// Target through the Runner, Kill cancels a previously-started task's
// context by DagRunID.
func (h *TaskHandler) Handle(ctx context.Context, task *coordpb.Task) error {
	switch task.Operation {
	case coordpb.OperationStart, coordpb.OperationRetry:
		return h.runTask(ctx, task)
	case coordpb.OperationKill:
		h.mu.Lock()
		cancel, ok := h.kills[task.DagRunID]
		if ok {
			delete(h.kills, task.DagRunID)
		}
		h.mu.Unlock()
		if ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("worker: unsupported operation %d", task.Operation)
	}
}

func (h *TaskHandler) runTask(ctx context.Context, task *coordpb.Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.kills[task.DagRunID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.kills, task.DagRunID)
		h.mu.Unlock()
		cancel()
	}()

	runErr := h.runner.Run(runCtx, task.Target, task.Step, task.Params)

	result := &coordpb.Task{
		RootDagRunName: task.RootDagRunName,
		RootDagRunID:   task.RootDagRunID,
		DagRunID:       task.DagRunID,
		Step:           task.Step,
		Operation:      task.Operation,
		Succeeded:      runErr == nil,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if h.reporter != nil {
		if err := h.reporter.Report(ctx, result); err != nil {
			return fmt.Errorf("worker: report outcome: %w", err)
		}
	}
	return runErr
}
