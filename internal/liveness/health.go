// Package liveness implements the two-tier health model and the standby
// failover it drives. Infrastructure heartbeats (30s sidecar batch) prove a
// process is alive; functional heartbeats (written on task claim and
// completion) prove it is doing work. An agent can be alive but stuck, and
// the two conditions are reported separately.
package liveness

import (
	"time"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

const (
	// deadAfter: no infra heartbeat for this long means the process is gone.
	deadAfter = 120 * time.Second

	// stuckAfter: holding a task with no functional heartbeat for this long
	// means the process is alive but wedged.
	stuckAfter = 90 * time.Second
)

// Health classifies one agent observation.
type Health int

const (
	Healthy Health = iota
	Stuck
	Dead
)

func (h Health) String() string {
	switch h {
	case Stuck:
		return "stuck"
	case Dead:
		return "dead"
	default:
		return "healthy"
	}
}

// Assess classifies an agent at a point in time. Dead wins over stuck: a
// gone process is always reported as dead even if it also held a task.
func Assess(a *graph.Agent, now time.Time) Health {
	if now.Sub(a.InfraHeartbeat) > deadAfter {
		return Dead
	}
	if a.CurrentTask != "" && now.Sub(a.LastHeartbeat) > stuckAfter {
		return Stuck
	}
	return Healthy
}
