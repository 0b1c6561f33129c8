// Package cluster implements the ZKMasterClient equivalent: a
// ClusterController that registers this Master with the coordination
// service, watches sibling Masters and Workers, and sweeps for and
// fails over dead hosts' in-flight work.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mxsched/master-core/internal/coord"
	"github.com/mxsched/master-core/internal/core"
	"github.com/mxsched/master-core/internal/store"
)

const (
	mastersPrefix = "masters/"
	workersPrefix = "workers/"

	startupLockKey = "locks/failover/startup"
	masterLockKey  = "locks/failover/master"
	workerLockKey  = "locks/failover/worker"
)

// Controller registers this Master's host under the coordination
// service, watches for sibling Master/Worker membership changes, and
// runs failover sweeps when a watched host disappears. Only one sweep
// of each kind runs at a time; a watch notification that arrives while
// a sweep is already in flight is dropped, matching the single-sweep
// guarantee a zombie detector gives against duplicate liveness probes.
type Controller struct {
	coordSvc coord.Service
	st       store.ProcessStore
	host     string
	logger   *slog.Logger

	masterSweeping atomic.Bool
	workerSweeping atomic.Bool

	lockTTL time.Duration

	lastMasters []string
	lastWorkers []string
}

// NewController constructs a Controller for host, coordinating through
// coordSvc and failing over orphaned work in st.
func NewController(coordSvc coord.Service, st store.ProcessStore, host string) *Controller {
	return &Controller{
		coordSvc: coordSvc,
		st:       st,
		host:     host,
		logger:   slog.With("component", "cluster.controller", "host", host),
	}
}

// Start runs the Startup sequence — register self, and if this is the
// only live Master, synchronously sweep any work orphaned while none
// was alive — then blocks watching sibling Masters and Workers until
// ctx is canceled. Heartbeat TTL and watch interval follow the Master
// registration lease: the registration key is refreshed at ttl/3, so a
// host dropping out is detected within roughly one ttl.
func (c *Controller) Start(ctx context.Context, ttl, watchInterval time.Duration) error {
	c.lockTTL = ttl

	if err := c.startupSweep(ctx, ttl); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.coordSvc.Watch(ctx, mastersPrefix, watchInterval, c.onMastersChanged)
	}()
	go func() {
		errCh <- c.coordSvc.Watch(ctx, workersPrefix, watchInterval, c.onWorkersChanged)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// startupSweep acquires the startup mutex, registers self, and seeds
// lastMasters/lastWorkers so the first Watch tick diffs against reality
// instead of an empty slice, and if this
// registration left exactly one Master alive, synchronously run the
// two failover sweeps against every host (host="") to reclaim work
// orphaned while no Master was running.
func (c *Controller) startupSweep(ctx context.Context, ttl time.Duration) error {
	lease, err := c.coordSvc.Lock(ctx, startupLockKey, ttl)
	if err != nil {
		return fmt.Errorf("cluster: acquire startup lock: %w", err)
	}
	defer lease.Release(ctx)

	if err := c.coordSvc.Register(ctx, mastersPrefix+c.host, c.host, ttl); err != nil {
		return err
	}

	masters, err := c.coordSvc.Children(ctx, mastersPrefix)
	if err != nil {
		return fmt.Errorf("cluster: list masters at startup: %w", err)
	}
	c.lastMasters = masters

	workers, err := c.coordSvc.Children(ctx, workersPrefix)
	if err != nil {
		return fmt.Errorf("cluster: list workers at startup: %w", err)
	}
	c.lastWorkers = workers

	if len(masters) == 1 {
		c.logger.Info("sole live master at startup, sweeping orphaned work")
		c.failoverWorker("", true)
		c.failoverMaster("")
	}
	return nil
}

func hostFromKey(prefix, key string) string {
	idx := strings.LastIndex(key, prefix)
	if idx < 0 {
		return key
	}
	return key[idx+len(prefix):]
}

func (c *Controller) onMastersChanged(children []string) {
	gone := diff(c.lastMasters, children)
	c.lastMasters = children
	for _, dead := range gone {
		host := hostFromKey(mastersPrefix, dead)
		if host == c.host {
			c.logger.Debug("ignoring self child-removed event", "host", host)
			continue
		}
		c.failoverMaster(host)
	}
}

func (c *Controller) onWorkersChanged(children []string) {
	gone := diff(c.lastWorkers, children)
	c.lastWorkers = children
	for _, dead := range gone {
		host := hostFromKey(workersPrefix, dead)
		c.failoverWorker(host, true)
	}
}

// failoverMaster reclaims every process instance owned by host (or,
// when host is "", every non-terminal instance regardless of owner),
// clearing its host, resetting its state to a recoverable value, and
// enqueueing a recovery Command so a live Master's DagEngine picks it
// back up. The real cross-Master exclusion comes from the distributed
// mutex at locks/failover/master; the local atomic.Bool is a cheap fast-path
// under that lock, collapsing an overlapping trigger on this same
// Controller into a no-op before it even contends for the lock.
func (c *Controller) failoverMaster(host string) {
	if !c.masterSweeping.CompareAndSwap(false, true) {
		c.logger.Debug("master failover already in flight, skipping", "dead_host", host)
		return
	}
	defer c.masterSweeping.Store(false)

	ctx := context.Background()
	if host != "" {
		alive, err := c.coordSvc.IsAlive(ctx, mastersPrefix+host)
		if err == nil && alive {
			return
		}
	}

	lease, err := c.coordSvc.Lock(ctx, masterLockKey, c.lockTTL)
	if err != nil {
		c.logger.Error("acquire master failover lock", "error", err)
		return
	}
	defer lease.Release(ctx)

	processes, err := c.st.QueryNeedFailoverProcessInstances(ctx, host)
	if err != nil {
		c.logger.Error("query failover process instances", "error", err)
		return
	}
	for _, p := range processes {
		p.State = core.StatusNeedFaultTolerance
		if err := c.st.ProcessNeedFailoverProcessInstances(ctx, p); err != nil {
			c.logger.Error("failover process instance", "process_instance_id", p.ID, "group", p.ProcGroup(), "error", err)
			continue
		}

		recoveryIDs, err := c.recoveryStartNodeIDs(ctx, p.ID)
		if err != nil {
			c.logger.Error("load recovery start nodes", "process_instance_id", p.ID, "error", err)
			recoveryIDs = nil
		}
		cmd := &core.Command{ProcessInstanceID: p.ID, RecoveryStartNodeIDs: recoveryIDs}
		if err := c.st.CreateRecoveryWaitingThreadCommand(ctx, cmd, p); err != nil {
			c.logger.Error("enqueue recovery command", "process_instance_id", p.ID, "error", err)
		}
	}
	c.logger.Info("master failover complete", "dead_host", host, "processes", len(processes))
}

// recoveryStartNodeIDs collects the IDs of every not-yet-complete task
// instance for pi, the recoveryStartNodeIds hint a resuming Master's
// DagEngine uses to re-slice the ProcessDag instead of restarting the
// whole workflow from its sources.
func (c *Controller) recoveryStartNodeIDs(ctx context.Context, processInstanceID int64) ([]int64, error) {
	tasks, err := c.st.FindValidTaskListByProcessID(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, ti := range tasks {
		if !ti.IsTaskComplete() {
			ids = append(ids, ti.ID)
		}
	}
	return ids, nil
}

// failoverWorker reclaims every task instance dispatched to host (or,
// when host is "", every running task instance), requeuing them for
// another Worker. When checkAlive is set, a task whose host is empty or
// still alive is left alone — only tasks genuinely stranded by a dead
// Worker are force-tolerated. Like failoverMaster, the per-Controller
// atomic.Bool is a fast-path layered under the real cross-Master lock
// at locks/failover/worker.
func (c *Controller) failoverWorker(host string, checkAlive bool) {
	if !c.workerSweeping.CompareAndSwap(false, true) {
		c.logger.Debug("worker failover already in flight, skipping", "dead_host", host)
		return
	}
	defer c.workerSweeping.Store(false)

	ctx := context.Background()
	if host != "" {
		alive, err := c.coordSvc.IsAlive(ctx, workersPrefix+host)
		if err == nil && alive {
			return
		}
	}

	lease, err := c.coordSvc.Lock(ctx, workerLockKey, c.lockTTL)
	if err != nil {
		c.logger.Error("acquire worker failover lock", "error", err)
		return
	}
	defer lease.Release(ctx)

	tasks, err := c.st.QueryNeedFailoverTaskInstances(ctx, host)
	if err != nil {
		c.logger.Error("query failover task instances", "error", err)
		return
	}
	failed := 0
	for _, t := range tasks {
		if checkAlive {
			if t.Host == "" {
				continue
			}
			if alive, err := c.coordSvc.IsAlive(ctx, workersPrefix+t.Host); err == nil && alive {
				continue
			}
		}
		t.State = core.StatusNeedFaultTolerance
		if err := c.st.UpdateTaskInstance(ctx, t); err != nil {
			c.logger.Error("failover task instance", "task_instance_id", t.ID, "error", err)
			continue
		}
		failed++
	}
	c.logger.Info("worker failover complete", "dead_host", host, "tasks", failed)
}

func diff(previous, current []string) []string {
	currentSet := make(map[string]struct{}, len(current))
	for _, v := range current {
		currentSet[v] = struct{}{}
	}
	var gone []string
	for _, v := range previous {
		if _, ok := currentSet[v]; !ok {
			gone = append(gone, v)
		}
	}
	return gone
}
