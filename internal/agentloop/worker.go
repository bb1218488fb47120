// Package agentloop is the consume side of delegation: each agent polls for
// pending tasks assigned to it, claims them atomically, runs its handler and
// records the terminal state. The claim and finish statements double as
// functional heartbeats, so a working agent proves liveness for free.
package agentloop

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// defaultPollInterval is how often an idle worker looks for assigned work.
const defaultPollInterval = 15 * time.Second

// claimBatch bounds how many pending tasks one poll attempts.
const claimBatch = 10

// Store is the slice of the graph client the worker needs.
type Store interface {
	ListTasks(ctx context.Context, agent graph.AgentID, status graph.TaskStatus, limit int) ([]graph.Task, error)
	ClaimTask(ctx context.Context, taskID string, agent graph.AgentID) (graph.ClaimOutcome, error)
	CompleteTask(ctx context.Context, taskID string, agent graph.AgentID, results string) error
	FailTask(ctx context.Context, taskID string, agent graph.AgentID, errMsg string) error
	UpdateHeartbeat(ctx context.Context, id graph.AgentID, kind graph.HeartbeatKind) error
}

// Handler executes one claimed task and returns its result payload.
type Handler func(ctx context.Context, task graph.Task) (results string, err error)

// Worker drives one agent's claim loop.
type Worker struct {
	store    Store
	agent    graph.AgentID
	handler  Handler
	logger   *zap.Logger
	interval time.Duration
}

func NewWorker(store Store, agent graph.AgentID, handler Handler, logger *zap.Logger) *Worker {
	return &Worker{
		store:    store,
		agent:    agent,
		handler:  handler,
		logger:   logger.Named("agentloop").With(zap.String("agent", string(agent))),
		interval: defaultPollInterval,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce claims and processes one batch of pending work. Returns the
// number of tasks completed or failed.
func (w *Worker) PollOnce(ctx context.Context) int {
	pending, err := w.store.ListTasks(ctx, w.agent, graph.TaskPending, claimBatch)
	if err != nil {
		if !errors.Is(err, graph.ErrDegraded) {
			w.logger.Warn("list pending tasks", zap.Error(err))
		}
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	// Prove functional liveness before reaching for work.
	if err := w.store.UpdateHeartbeat(ctx, w.agent, graph.HeartbeatFunctional); err != nil {
		w.logger.Warn("functional heartbeat", zap.Error(err))
	}

	processed := 0
	for _, task := range pending {
		outcome, err := w.store.ClaimTask(ctx, task.ID, w.agent)
		if err != nil {
			w.logger.Warn("claim task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if outcome.Outcome != graph.OutcomeClaimed {
			w.logger.Debug("task already taken",
				zap.String("task_id", task.ID),
				zap.String("owner", string(outcome.Owner)))
			continue
		}
		w.process(ctx, task)
		processed++
	}
	return processed
}

func (w *Worker) process(ctx context.Context, task graph.Task) {
	results, err := w.handler(ctx, task)
	if err != nil {
		w.logger.Warn("task handler failed",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.Error(err))
		if ferr := w.store.FailTask(ctx, task.ID, w.agent, err.Error()); ferr != nil {
			w.logger.Error("record task failure", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		return
	}

	if cerr := w.store.CompleteTask(ctx, task.ID, w.agent, results); cerr != nil {
		w.logger.Error("record task completion", zap.String("task_id", task.ID), zap.Error(cerr))
		return
	}
	w.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type))
}
