// Package eventbus assembles the real-time bus: connection registry,
// broadcast router, liveness monitor, execution state machine, Kafka ingest
// and scheduled jobs, behind the producer-facing broadcast API.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/flowbus/internal/domain"
	"github.com/ramiqadoumi/flowbus/internal/execution"
	"github.com/ramiqadoumi/flowbus/internal/kafka"
	"github.com/ramiqadoumi/flowbus/internal/liveness"
	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
	"github.com/ramiqadoumi/flowbus/internal/registry"
	"github.com/ramiqadoumi/flowbus/internal/router"
	"github.com/ramiqadoumi/flowbus/internal/store"
)

const closeGoingAway = 1001

// Service is one event bus instance. Construct it with New; it owns no
// package-level state.
type Service struct {
	store    store.Store
	reg      *registry.Registry
	router   *router.Router
	machine  *execution.Machine
	monitor  *liveness.Monitor
	cache    redisstore.StatusCache
	consumer kafka.Consumer
	dlq      kafka.Producer
	leader   *Leader
	cron     *cron.Cron
	logger   *slog.Logger

	heartbeat     time.Duration
	deadAfter     time.Duration
	healthSpec    string
	sweepSpec     string
	abandonWindow time.Duration
	reporter      execution.AbandonedReporter
	startedAt     time.Time
	healthSampler func(ctx context.Context) (domain.SystemHealth, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option                { return func(s *Service) { s.logger = l } }
func WithStatusCache(c redisstore.StatusCache) Option { return func(s *Service) { s.cache = c } }
func WithAbandonedReporter(r execution.AbandonedReporter) Option {
	return func(s *Service) { s.reporter = r }
}
func WithLeader(l *Leader) Option              { return func(s *Service) { s.leader = l } }
func WithHealthSchedule(spec string) Option    { return func(s *Service) { s.healthSpec = spec } }
func WithSweepSchedule(spec string) Option     { return func(s *Service) { s.sweepSpec = spec } }
func WithAbandonWindow(d time.Duration) Option { return func(s *Service) { s.abandonWindow = d } }

// WithHeartbeat sets the liveness ping period and the silence after which a
// connection is evicted.
func WithHeartbeat(interval, deadAfter time.Duration) Option {
	return func(s *Service) {
		s.heartbeat = interval
		s.deadAfter = deadAfter
	}
}

// WithIngest consumes automation.events with c; undecodable messages are
// parked on the DLQ through dlq.
func WithIngest(c kafka.Consumer, dlq kafka.Producer) Option {
	return func(s *Service) {
		s.consumer = c
		s.dlq = dlq
	}
}

// New wires a Service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:         st,
		logger:        slog.Default(),
		heartbeat:     liveness.DefaultInterval,
		deadAfter:     liveness.DefaultThreshold,
		healthSpec:    "@every 30s",
		sweepSpec:     "@every 1m",
		abandonWindow: 10 * time.Minute,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthSampler = s.sampleHealth

	s.reg = registry.New()
	s.router = router.New(s.reg, router.WithLogger(s.logger))
	s.monitor = liveness.New(s.reg,
		liveness.WithInterval(s.heartbeat),
		liveness.WithThreshold(s.deadAfter),
		liveness.WithLogger(s.logger),
	)

	machineOpts := []execution.Option{execution.WithLogger(s.logger)}
	if s.cache != nil {
		machineOpts = append(machineOpts, execution.WithStatusCache(s.cache))
	}
	if s.reporter != nil {
		machineOpts = append(machineOpts, execution.WithAbandonedReporter(s.reporter))
	}
	s.machine = execution.NewMachine(st, s, machineOpts...)
	return s
}

func (s *Service) Registry() *registry.Registry  { return s.reg }
func (s *Service) Router() *router.Router        { return s.router }
func (s *Service) Machine() *execution.Machine   { return s.machine }
func (s *Service) Store() store.Store            { return s.store }
func (s *Service) Cache() redisstore.StatusCache { return s.cache }

// Start launches the liveness monitor, the scheduled jobs and, when
// configured, Kafka ingest. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("eventbus: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c, err := s.newScheduler(runCtx)
	if err != nil {
		cancel()
		return err
	}
	s.cron = c
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()

	s.cron.Start()

	if s.consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("kafka ingest started", slog.String("topic", kafka.TopicEvents))
			if err := s.consumer.Subscribe(runCtx, s.handleIngest); err != nil {
				s.logger.Error("kafka ingest stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Shutdown stops background work and closes every client connection with
// 1001. It waits for goroutines until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	cronDone := s.cron.Stop()
	s.mu.Unlock()

	for _, c := range s.reg.Snapshot(nil) {
		s.reg.Deregister(c.ID)
		if c.Handle != nil {
			_ = c.Handle.Close(closeGoingAway, "server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── producer-facing broadcast API ────────────────

// BroadcastTaskUpdate fans a task snapshot out on task_update.
func (s *Service) BroadcastTaskUpdate(task any, workspaceID string) int {
	return s.router.Broadcast(router.TypeTaskUpdate, task, workspaceID)
}

// BroadcastExecutionUpdate fans an execution snapshot out on execution_update.
func (s *Service) BroadcastExecutionUpdate(exec any, workspaceID string) int {
	return s.router.Broadcast(router.TypeExecutionUpdate, exec, workspaceID)
}

// BroadcastWorkspaceUpdate fans a workspace change out on workspace_update.
func (s *Service) BroadcastWorkspaceUpdate(workspace any, workspaceID string) int {
	return s.router.Broadcast(router.TypeWorkspaceUpdate, workspace, workspaceID)
}

// BroadcastSystemHealth is always global.
func (s *Service) BroadcastSystemHealth(health any) int {
	return s.router.Broadcast(router.TypeSystemHealth, health, "")
}

// BroadcastAlert fans an alert out, scoped when workspaceID is set.
func (s *Service) BroadcastAlert(alert any, workspaceID string) int {
	return s.router.Broadcast(router.TypeAlert, alert, workspaceID)
}

// SendNotification delivers a notification to userID's connection, if any.
func (s *Service) SendNotification(userID, message string, data any) bool {
	return s.router.SendDirect(userID, router.NewMessage(router.TypeNotification, router.NotificationData{
		Message: message,
		Data:    data,
	}))
}

// ── execution.Events ─────────────────────────────

func (s *Service) ExecutionUpdated(e *domain.Execution) { s.BroadcastExecutionUpdate(e, e.WorkspaceID) }
func (s *Service) TaskUpdated(t *domain.Task)           { s.BroadcastTaskUpdate(t, t.WorkspaceID) }
func (s *Service) Alert(a domain.Alert)                 { s.BroadcastAlert(a, a.WorkspaceID) }
