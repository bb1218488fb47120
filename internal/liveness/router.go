package liveness

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// FailoverStore is the slice of the graph client the router needs.
type FailoverStore interface {
	ActiveFailover(ctx context.Context) (*graph.FailoverEvent, error)
	IncrementFailoverRouted(ctx context.Context) error
}

// Router implements delegation rerouting during failover: while an event is
// active, critical traffic bound for the orchestrator is diverted to the
// standby and everything else is deferred until failback. Traffic for other
// agents is never touched.
type Router struct {
	store  FailoverStore
	logger *zap.Logger
}

func NewRouter(store FailoverStore, logger *zap.Logger) *Router {
	return &Router{store: store, logger: logger.Named("failover-router")}
}

// Reroute returns the effective delivery target and whether delivery should
// be deferred. When the failover state cannot be read the message passes
// through unchanged: a graph hiccup must not silently drop traffic.
func (r *Router) Reroute(ctx context.Context, target graph.AgentID, priority graph.Priority) (graph.AgentID, bool) {
	if target != graph.AgentMain {
		return target, false
	}

	active, err := r.store.ActiveFailover(ctx)
	if err != nil {
		if !errors.Is(err, graph.ErrNotFound) {
			r.logger.Warn("failover state unavailable, routing unchanged", zap.Error(err))
		}
		return target, false
	}
	if active == nil {
		return target, false
	}

	if priority == graph.PriorityCritical {
		if err := r.store.IncrementFailoverRouted(ctx); err != nil {
			r.logger.Warn("count routed message", zap.Error(err))
		}
		r.logger.Info("critical message diverted to standby")
		return graph.AgentOps, false
	}

	r.logger.Debug("non-critical message deferred until failback",
		zap.String("priority", string(priority)))
	return target, true
}
