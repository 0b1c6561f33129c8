// Package master wires together the DagEngine, ClusterController,
// coordinator RPC service, and coordination-store registration into one
// running MasterServer process.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"github.com/mxsched/master-core/internal/admission"
	"github.com/mxsched/master-core/internal/alert"
	"github.com/mxsched/master-core/internal/cluster"
	"github.com/mxsched/master-core/internal/config"
	"github.com/mxsched/master-core/internal/coord"
	"github.com/mxsched/master-core/internal/coordinator"
	"github.com/mxsched/master-core/internal/coordpb"
	"github.com/mxsched/master-core/internal/core"
	"github.com/mxsched/master-core/internal/dagengine"
	"github.com/mxsched/master-core/internal/metrics"
	"github.com/mxsched/master-core/internal/store"
)

// Server is the MasterServer: it registers this host, heartbeats, hosts
// the coordinator gRPC service, and spawns a bounded pool of DagEngines
// over ready process instances.
type Server struct {
	cfg     *config.Config
	st      store.ProcessStore
	coordSvc coord.Service
	handler  *coordinator.Handler
	ctrl     *cluster.Controller
	alerter  *alert.FanOut
	gate     *admission.Gate
	metrics  *metrics.Registry

	grpcServer *grpc.Server
	engineSem  *semaphore.Weighted
	taskSem    *semaphore.Weighted

	logger *slog.Logger

	wg sync.WaitGroup
}

// New assembles a Server from already-constructed collaborators. Callers
// typically build st/coordSvc/alerter from cfg in cmd/ and pass them in
// here so tests can substitute fakes.
func New(cfg *config.Config, st store.ProcessStore, coordSvc coord.Service, alerter *alert.FanOut, metricsRegistry *metrics.Registry) *Server {
	handler := coordinator.NewHandler(cfg.Coordinator.PollTimeout)
	host := hostIdentity(cfg)

	return &Server{
		cfg:      cfg,
		st:       st,
		coordSvc: coordSvc,
		handler:  handler,
		ctrl:     cluster.NewController(coordSvc, st, host),
		alerter:  alerter,
		gate: admission.NewGate(admission.Thresholds{
			MaxCPUPercent:    cfg.Admission.MaxCPUPercent,
			MaxMemoryPercent: cfg.Admission.MaxMemoryPercent,
		}),
		metrics:   metricsRegistry,
		engineSem: semaphore.NewWeighted(int64(cfg.Master.DagEnginePool)),
		taskSem:   semaphore.NewWeighted(int64(cfg.Master.ExecTaskThreads)),
		logger:    slog.With("component", "master.server", "host", host),
	}
}

func hostIdentity(cfg *config.Config) string {
	if cfg.Host != "" {
		return cfg.Host
	}
	name, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return name
}

// Start registers the Master, launches the coordinator gRPC listener,
// starts the cluster controller watch loop, and begins the heartbeat
// scheduler (first tick 5s after boot). It blocks until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Coordinator.ListenAddr)
	if err != nil {
		return fmt.Errorf("master: listen %s: %w", s.cfg.Coordinator.ListenAddr, err)
	}

	s.grpcServer = grpc.NewServer()
	coordpb.RegisterCoordinatorServiceServer(s.grpcServer, s.handler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("coordinator grpc server stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ctrl.Start(ctx, 3*s.cfg.Master.HeartbeatInterval, s.cfg.Master.HeartbeatInterval); err != nil && ctx.Err() == nil {
			s.logger.Error("cluster controller stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}

	beat := func() {
		start := time.Now()
		if err := s.st.Verify(ctx); err != nil {
			s.logger.Error("heartbeat store check failed", "error", err)
		}
		if s.metrics != nil {
			s.metrics.HeartbeatLatency.Observe(time.Since(start).Seconds())
		}
	}
	beat()

	ticker := time.NewTicker(s.cfg.Master.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// RunEngine acquires a DagEngine pool slot and drives pi to completion,
// blocking the caller's goroutine for the engine's lifetime. Callers
// spawn this per-process-instance on the Scheduler's own bounded pool.
func (s *Server) RunEngine(ctx context.Context, pi *core.ProcessInstance, dag *core.ProcessDag) (core.Status, error) {
	if err := s.engineSem.Acquire(ctx, 1); err != nil {
		return core.StatusFailure, err
	}
	defer s.engineSem.Release(1)

	if s.metrics != nil {
		s.metrics.ActiveDagEngines.Inc()
		defer s.metrics.ActiveDagEngines.Dec()
	}

	engine := dagengine.New(pi, dag, s.st, s.newSupervisor, s.alerter, s.gate)
	return engine.Run(ctx)
}

// newSupervisor implements dagengine.SupervisorFactory, branching on
// ti's TaskNode type and gating the result behind s.taskSem so
// master.exec.task.threads is an actual dispatch bound rather than
// decorative.
func (s *Server) newSupervisor(dagRun string, ti *core.TaskInstance) dagengine.Supervisor {
	var inner dagengine.Supervisor
	if ti.TaskJSON.Type == core.TaskTypeSubProcess {
		inner = dagengine.NewSubProcessSupervisor(s.st, s.cfg.Master.HeartbeatInterval)
	} else {
		inner = dagengine.NewMasterTaskSupervisor(s.handler, s.st, dagRun)
	}
	return &boundedSupervisor{Supervisor: inner, sem: s.taskSem}
}

// errTaskPoolFull is returned by boundedSupervisor.Start when every
// taskSem permit is currently held; the DagEngine treats this exactly
// like "no poller available" and retries dispatch next tick.
var errTaskPoolFull = fmt.Errorf("master: task exec pool full")

// boundedSupervisor wraps a dagengine.Supervisor so Start only
// proceeds once it holds a permit on the Master-Task-Exec-Thread
// semaphore, releasing it once the wrapped Supervisor's Done fires.
type boundedSupervisor struct {
	dagengine.Supervisor
	sem *semaphore.Weighted
}

func (b *boundedSupervisor) Start(ctx context.Context, ti *core.TaskInstance) error {
	if !b.sem.TryAcquire(1) {
		return errTaskPoolFull
	}
	if err := b.Supervisor.Start(ctx, ti); err != nil {
		b.sem.Release(1)
		return err
	}
	go func() {
		<-b.Supervisor.Done()
		b.sem.Release(1)
	}()
	return nil
}

// Shutdown drains in order: heartbeat (via ctx cancellation, already
// observed by the caller), scheduler/engine pool (acquire every slot to
// guarantee drain), task pool, then the coordinator gRPC server. The
// coordination store client is not closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("master shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	s.engineSem.Acquire(drainCtx, int64(s.cfg.Master.DagEnginePool))
	s.taskSem.Acquire(drainCtx, int64(s.cfg.Master.ExecTaskThreads))

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.wg.Wait()
	return nil
}
