// Package heartbeat runs the 5-minute scheduler cycle: pick the tasks whose
// frequency aligns with the cycle number, run them sequentially under a
// shared token budget, and record every outcome in the graph. The daemon
// wraps the runner in a cron schedule; a single cycle can also be invoked
// directly from the CLI.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
	"github.com/Danservfinn/kurultai-sub006/internal/registry"
)

// DefaultCycleTokenBudget caps the combined token estimate of one cycle's
// tasks. Tasks that would push past it are skipped with skipped_budget and
// picked up again when their frequency next aligns.
const DefaultCycleTokenBudget = 8650

// Store is the slice of the graph client the runner needs.
type Store interface {
	NextCycleNumber(ctx context.Context) (int64, error)
	RecordCycle(ctx context.Context, cycleNumber int64, startedAt time.Time) error
	RecordResult(ctx context.Context, cycleNumber int64, r *graph.TaskResult) error
	FinalizeCycle(ctx context.Context, cycle *graph.HeartbeatCycle) error
	PublishNotification(ctx context.Context, agent graph.AgentID, notifType, summary, taskID string) error
}

// Runner executes heartbeat cycles. Not safe for concurrent RunCycle calls;
// the daemon's singleton schedule and the CLI's one-shot invocation both
// guarantee serial execution.
type Runner struct {
	store    Store
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
	budget   int

	// cycle is the last cycle number used. Seeded from the graph on first
	// run, then advanced locally so numbering stays monotonic even when the
	// graph is unreachable and cycle records are journaled.
	cycle int64

	// only, when set, restricts cycles to tasks owned by one agent.
	only graph.AgentID

	// now is swappable for tests.
	now func() time.Time
}

func NewRunner(store Store, reg *registry.Registry, metrics *observability.Metrics, budget int, logger *zap.Logger) *Runner {
	if budget <= 0 {
		budget = DefaultCycleTokenBudget
	}
	return &Runner{
		store:    store,
		registry: reg,
		logger:   logger.Named("heartbeat"),
		metrics:  metrics,
		budget:   budget,
		now:      time.Now,
	}
}

// RestrictToAgent limits subsequent cycles to tasks owned by id. Used by the
// CLI's one-shot mode; the daemon always runs the full due set.
func (r *Runner) RestrictToAgent(id graph.AgentID) {
	r.only = id
}

// RunCycle executes one full cycle and returns its record. The cycle is
// aborted before any task runs if the cycle row cannot be recorded; the
// store journals that write while degraded, so only a hard failure aborts.
func (r *Runner) RunCycle(ctx context.Context) (*graph.HeartbeatCycle, error) {
	if r.cycle == 0 {
		n, err := r.store.NextCycleNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: seed cycle number: %w", err)
		}
		r.cycle = n
	} else {
		r.cycle++
	}

	started := r.now()
	if err := r.store.RecordCycle(ctx, r.cycle, started); err != nil {
		return nil, fmt.Errorf("heartbeat: record cycle %d: %w", r.cycle, err)
	}

	due := r.registry.Due(int(r.cycle))
	if r.only != "" {
		kept := due[:0]
		for _, task := range due {
			if task.Agent == r.only {
				kept = append(kept, task)
			}
		}
		due = kept
	}
	r.logger.Info("cycle started",
		zap.Int64("cycle", r.cycle),
		zap.Int("due_tasks", len(due)),
		zap.Int("budget", r.budget))

	cycle := &graph.HeartbeatCycle{CycleNumber: r.cycle, StartedAt: started}
	spent := 0
	exhausted := false
	for _, task := range due {
		var result *graph.TaskResult
		if exhausted || spent+task.MaxTokens > r.budget {
			// Once the budget is breached the rest of the cycle is skipped,
			// preserving registration order on the next aligned cycle.
			exhausted = true
			now := r.now()
			result = &graph.TaskResult{
				Agent:       task.Agent,
				TaskName:    task.Name,
				Status:      graph.ResultSkippedBudget,
				StartedAt:   now,
				CompletedAt: now,
				Summary:     fmt.Sprintf("budget exhausted: %d spent, task needs %d of %d", spent, task.MaxTokens, r.budget),
			}
			r.logger.Warn("task skipped over budget",
				zap.String("task", task.Name),
				zap.Int("spent", spent),
				zap.Int("needed", task.MaxTokens))
		} else {
			result = r.runTask(ctx, task)
			spent += result.TokensUsed
		}

		cycle.TasksRun++
		cycle.TotalTokens += result.TokensUsed
		switch result.Status {
		case graph.ResultSuccess:
			cycle.TasksSucceeded++
		case graph.ResultError, graph.ResultTimeout:
			cycle.TasksFailed++
		}
		r.metrics.TaskResult(string(result.Status))

		r.recordResult(ctx, result)

		if task.Critical && (result.Status == graph.ResultError || result.Status == graph.ResultTimeout) {
			r.openTicket(ctx, task, result)
		}
	}

	completed := r.now()
	cycle.CompletedAt = &completed
	cycle.DurationSecs = completed.Sub(started).Seconds()
	if err := r.store.FinalizeCycle(ctx, cycle); err != nil {
		r.logger.Error("finalize cycle", zap.Int64("cycle", r.cycle), zap.Error(err))
	}

	r.metrics.CycleCompleted(cycle.DurationSecs, cycle.TotalTokens)
	r.logger.Info("cycle completed",
		zap.Int64("cycle", r.cycle),
		zap.Int("run", cycle.TasksRun),
		zap.Int("succeeded", cycle.TasksSucceeded),
		zap.Int("failed", cycle.TasksFailed),
		zap.Int("tokens", cycle.TotalTokens))
	return cycle, nil
}

// runTask executes one task body under its timeout, recovering panics into
// error results. The token estimate is charged in full whenever the body
// actually started.
func (r *Runner) runTask(ctx context.Context, task registry.Task) *graph.TaskResult {
	started := r.now()
	result := &graph.TaskResult{
		Agent:      task.Agent,
		TaskName:   task.Name,
		StartedAt:  started,
		TokensUsed: task.MaxTokens,
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- task.Handler(taskCtx)
	}()

	select {
	case err := <-done:
		result.CompletedAt = r.now()
		if err != nil {
			result.Status = graph.ResultError
			result.ErrorMsg = err.Error()
			r.logger.Warn("task failed",
				zap.String("task", task.Name), zap.Error(err))
		} else {
			result.Status = graph.ResultSuccess
			r.logger.Debug("task succeeded", zap.String("task", task.Name))
		}
	case <-taskCtx.Done():
		// The handler goroutine is abandoned; its context is cancelled and
		// the recorded duration is the full timeout.
		result.Status = graph.ResultTimeout
		result.CompletedAt = started.Add(timeout)
		result.ErrorMsg = fmt.Sprintf("timed out after %s", timeout)
		r.logger.Warn("task timed out",
			zap.String("task", task.Name),
			zap.Duration("timeout", timeout))
	}
	return result
}

// recordResult persists one result, retrying once before giving up. A lost
// result is logged, never allowed to break the cycle.
func (r *Runner) recordResult(ctx context.Context, result *graph.TaskResult) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.store.RecordResult(ctx, r.cycle, result); err == nil {
			return
		}
	}
	r.logger.Error("task result lost",
		zap.String("task", result.TaskName),
		zap.String("status", string(result.Status)),
		zap.Error(err))
}

// openTicket raises a correctness ticket for a failed critical task, routed
// by the task's category.
func (r *Runner) openTicket(ctx context.Context, task registry.Task, result *graph.TaskResult) {
	assignee := delegation.RouteTicket(task.Category)
	summary := fmt.Sprintf("critical task %s %s in cycle %d: %s",
		task.Name, result.Status, r.cycle, result.ErrorMsg)
	if err := r.store.PublishNotification(ctx, assignee, "ticket", summary, ""); err != nil {
		r.logger.Error("open correctness ticket",
			zap.String("task", task.Name), zap.Error(err))
		return
	}
	r.logger.Warn("correctness ticket opened",
		zap.String("task", task.Name),
		zap.String("assignee", string(assignee)))
}
