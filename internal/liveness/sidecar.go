package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// infraInterval is the sidecar's heartbeat period. Well under the 120s
// dead threshold, so a single missed batch never flips an agent to dead.
const infraInterval = 30 * time.Second

// HeartbeatStore is the slice of the graph client the sidecar needs.
type HeartbeatStore interface {
	BatchInfraHeartbeat(ctx context.Context, ids []graph.AgentID) error
}

// Sidecar writes the infrastructure heartbeat for every agent in one batched
// update every 30 seconds. It proves the gateway process hosting the agents
// is alive; functional liveness is tracked separately.
type Sidecar struct {
	store    HeartbeatStore
	logger   *zap.Logger
	interval time.Duration
}

func NewSidecar(store HeartbeatStore, logger *zap.Logger) *Sidecar {
	return &Sidecar{
		store:    store,
		logger:   logger.Named("heartbeat-sidecar"),
		interval: infraInterval,
	}
}

// Run beats until ctx is cancelled. Failures are logged and the next tick
// tries again; the store journals heartbeats itself while degraded.
func (s *Sidecar) Run(ctx context.Context) {
	agents := make([]graph.AgentID, 0, len(graph.KnownAgents))
	for id := range graph.KnownAgents {
		agents = append(agents, id)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.beat(ctx, agents)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx, agents)
		}
	}
}

func (s *Sidecar) beat(ctx context.Context, agents []graph.AgentID) {
	if err := s.store.BatchInfraHeartbeat(ctx, agents); err != nil {
		s.logger.Warn("infra heartbeat failed", zap.Error(err))
	}
}
