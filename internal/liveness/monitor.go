package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
)

const (
	// failuresToFailover: consecutive unhealthy observations of the
	// orchestrator before the standby is promoted.
	failuresToFailover = 3

	// healthyToFailback: consecutive healthy observations while failed over
	// before the orchestrator is restored.
	healthyToFailback = 3
)

// Store is the slice of the graph client the monitor needs.
type Store interface {
	GetAgent(ctx context.Context, id graph.AgentID) (*graph.Agent, error)
	SetAgentStatus(ctx context.Context, id graph.AgentID, status string) error
	OpenFailover(ctx context.Context, triggeredBy graph.AgentID, reason string) (bool, error)
	ActiveFailover(ctx context.Context) (*graph.FailoverEvent, error)
	ResolveFailover(ctx context.Context) error
	PublishNotification(ctx context.Context, agent graph.AgentID, notifType, summary, taskID string) error
	ListTasks(ctx context.Context, agent graph.AgentID, status graph.TaskStatus, limit int) ([]graph.Task, error)
}

// Monitor watches the orchestrator's health and runs the failover state
// machine. CheckOnce is the body of the 5-minute health_check task; the
// counters live in process, so a restart of the scheduler also resets the
// failure streak; a fresh process earns its own evidence.
type Monitor struct {
	store   Store
	sender  delegation.Sender
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	failures int
	healthy  int

	// now is swappable for tests.
	now func() time.Time
}

func NewMonitor(store Store, sender delegation.Sender, metrics *observability.Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:   store,
		sender:  sender,
		metrics: metrics,
		logger:  logger.Named("liveness"),
		now:     time.Now,
	}
}

// CheckOnce performs one health observation of the orchestrator and advances
// the failover state machine. A graph error is returned without counting:
// not being able to observe the orchestrator is not evidence it is down.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	agent, err := m.store.GetAgent(ctx, graph.AgentMain)
	if err != nil {
		return fmt.Errorf("liveness: observe orchestrator: %w", err)
	}
	h := Assess(agent, m.now())

	active, err := m.store.ActiveFailover(ctx)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		// No active event; the normal state.
		active = nil
	case err != nil:
		return fmt.Errorf("liveness: read failover state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if active == nil {
		return m.observeNormal(ctx, h)
	}
	return m.observeFailedOver(ctx, h)
}

func (m *Monitor) observeNormal(ctx context.Context, h Health) error {
	if h == Healthy {
		if m.failures > 0 {
			m.logger.Info("orchestrator recovered before failover",
				zap.Int("failure_streak", m.failures))
		}
		m.failures = 0
		return nil
	}

	m.failures++
	m.logger.Warn("orchestrator unhealthy",
		zap.String("health", h.String()),
		zap.Int("consecutive", m.failures))
	if m.failures < failuresToFailover {
		return nil
	}

	reason := fmt.Sprintf("orchestrator %s for %d consecutive checks", h, m.failures)
	opened, err := m.store.OpenFailover(ctx, graph.AgentOps, reason)
	if err != nil {
		return fmt.Errorf("liveness: open failover: %w", err)
	}
	if !opened {
		// Another checker won the race; nothing more to do.
		return nil
	}

	m.healthy = 0
	m.metrics.FailoverActivated()
	if err := m.store.SetAgentStatus(ctx, graph.AgentMain, "inactive"); err != nil {
		m.logger.Warn("mark orchestrator inactive", zap.Error(err))
	}
	if err := m.store.PublishNotification(ctx, graph.AgentOps, "critical",
		"failover activated: "+reason, ""); err != nil {
		m.logger.Warn("publish failover notification", zap.Error(err))
	}
	m.logger.Error("failover activated", zap.String("reason", reason))
	return nil
}

func (m *Monitor) observeFailedOver(ctx context.Context, h Health) error {
	if h != Healthy {
		if m.healthy > 0 {
			m.logger.Info("orchestrator relapsed during failover",
				zap.String("health", h.String()))
		}
		m.healthy = 0
		return nil
	}

	m.healthy++
	m.logger.Info("orchestrator healthy while failed over",
		zap.Int("consecutive", m.healthy),
		zap.Int("required", healthyToFailback))
	if m.healthy < healthyToFailback {
		return nil
	}

	if err := m.store.ResolveFailover(ctx); err != nil {
		return fmt.Errorf("liveness: resolve failover: %w", err)
	}
	if err := m.store.SetAgentStatus(ctx, graph.AgentMain, "active"); err != nil {
		m.logger.Warn("mark orchestrator active", zap.Error(err))
	}
	m.failures = 0
	m.healthy = 0

	replayed := m.replayPending(ctx)
	if err := m.store.PublishNotification(ctx, graph.AgentMain, "info",
		fmt.Sprintf("failback complete, %d deferred tasks redelivered", replayed), ""); err != nil {
		m.logger.Warn("publish failback notification", zap.Error(err))
	}
	m.logger.Info("failback complete", zap.Int("replayed", replayed))
	return nil
}

// replayPending redelivers pending orchestrator tasks after failback. Tasks
// deferred by the delay queue are pending in the graph, so redelivery falls
// out of a status query rather than a separate persisted queue.
func (m *Monitor) replayPending(ctx context.Context) int {
	if m.sender == nil {
		return 0
	}
	tasks, err := m.store.ListTasks(ctx, graph.AgentMain, graph.TaskPending, 100)
	if err != nil {
		m.logger.Warn("list deferred tasks", zap.Error(err))
		return 0
	}

	replayed := 0
	for _, t := range tasks {
		msg := delegation.Message{
			TaskID:      t.ID,
			Type:        t.Type,
			Description: t.Description,
			Priority:    t.Priority,
			DelegatedBy: t.DelegatedBy,
			CreatedAt:   t.CreatedAt,
		}
		if err := m.sender.Send(ctx, graph.AgentMain, msg); err != nil {
			m.logger.Warn("redeliver deferred task",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		replayed++
	}
	return replayed
}
