package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// delegateLimitPerHour caps how many delegations any one agent may issue.
const delegateLimitPerHour = 60

// maxDescriptionLen bounds the sanitiser input.
const maxDescriptionLen = 16384

// Store is the slice of the graph client the delegator needs.
type Store interface {
	CheckRateLimit(ctx context.Context, agent graph.AgentID, operation string, limitPerHour int) (int, error)
	CreateTask(ctx context.Context, taskType, description string, delegatedBy, assignedTo graph.AgentID, priority graph.Priority, metadata string) (string, error)
}

// Sender delivers a message to an agent. *Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, to graph.AgentID, msg Message) error
}

// Rerouter lets the liveness layer divert traffic while a failover is
// active. The passthrough default routes everything unchanged.
type Rerouter interface {
	// Reroute returns the effective target and whether delivery should be
	// deferred to the delay queue instead of sent now.
	Reroute(ctx context.Context, target graph.AgentID, priority graph.Priority) (graph.AgentID, bool)
}

type passthrough struct{}

func (passthrough) Reroute(_ context.Context, target graph.AgentID, _ graph.Priority) (graph.AgentID, bool) {
	return target, false
}

// Request is one delegation.
type Request struct {
	TaskType    string
	Description string
	Priority    graph.Priority
	DelegatedBy graph.AgentID
	Metadata    map[string]string
}

// Delegator creates tasks in the graph and hands them to the receiving
// agent: rate limit, sanitise, route, persist, deliver, in that order. The
// task exists in the graph even if delivery fails; the receiver's claim loop
// picks it up on its next poll.
type Delegator struct {
	store   Store
	sender  Sender
	reroute Rerouter
	logger  *zap.Logger
}

func NewDelegator(store Store, sender Sender, reroute Rerouter, logger *zap.Logger) *Delegator {
	if reroute == nil {
		reroute = passthrough{}
	}
	return &Delegator{
		store:   store,
		sender:  sender,
		reroute: reroute,
		logger:  logger.Named("delegation"),
	}
}

// Delegate validates, routes and persists the request, then attempts
// delivery. Returns the created task id.
func (d *Delegator) Delegate(ctx context.Context, req Request) (string, error) {
	if !graph.ValidAgent(req.DelegatedBy) {
		return "", fmt.Errorf("delegation: delegator %q: %w", req.DelegatedBy, graph.ErrInvalidInput)
	}
	if !graph.ValidPriority(req.Priority) {
		return "", fmt.Errorf("delegation: priority %q: %w", req.Priority, graph.ErrInvalidInput)
	}
	if req.Description == "" || len(req.Description) > maxDescriptionLen {
		return "", fmt.Errorf("delegation: description length %d: %w", len(req.Description), graph.ErrInvalidInput)
	}

	if _, err := d.store.CheckRateLimit(ctx, req.DelegatedBy, "delegate", delegateLimitPerHour); err != nil {
		return "", err
	}

	clean := Sanitize(req.Description)
	target := RouteTaskType(req.TaskType)

	meta := ""
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", fmt.Errorf("delegation: metadata: %w", err)
		}
		meta = string(raw)
	}

	taskID, err := d.store.CreateTask(ctx, req.TaskType, clean, req.DelegatedBy, target, req.Priority, meta)
	if err != nil {
		return "", err
	}

	effective, deferred := d.reroute.Reroute(ctx, target, req.Priority)
	if deferred {
		d.logger.Info("delivery deferred by failover",
			zap.String("task_id", taskID),
			zap.String("target", string(target)))
		return taskID, nil
	}

	msg := Message{
		TaskID:      taskID,
		Type:        req.TaskType,
		Description: clean,
		Priority:    req.Priority,
		DelegatedBy: req.DelegatedBy,
		CreatedAt:   time.Now().UTC(),
		Metadata:    req.Metadata,
	}
	if err := d.sender.Send(ctx, effective, msg); err != nil {
		// Delivery is best-effort: the task is already queued in the graph.
		d.logger.Warn("delivery failed, task remains queued",
			zap.String("task_id", taskID),
			zap.String("target", string(effective)),
			zap.Error(err))
	}
	return taskID, nil
}
