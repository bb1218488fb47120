// Package tasks registers the built-in heartbeat task set: the four
// curation passes, the ops health check, key rotation, rate-limit hygiene
// and the weekly reflection. Everything else arrives through delegation.
package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/curation"
	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
	"github.com/Danservfinn/kurultai-sub006/internal/liveness"
	"github.com/Danservfinn/kurultai-sub006/internal/registry"
)

// keyAuditRetention keeps rotated-out keys queryable for audit.
const keyAuditRetention = 30 * 24 * time.Hour

// rateLimitRetention keeps counter rows for a week of history.
const rateLimitRetention = 7 * 24 * time.Hour

// MaintenanceStore is the slice of the graph client the ops maintenance
// tasks need.
type MaintenanceStore interface {
	UpsertAgentKey(ctx context.Context, agent graph.AgentID, keyHash string) error
	PurgeInactiveKeys(ctx context.Context, olderThan time.Time) (int, error)
	PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error)
}

// Deps carries everything the built-in handlers close over.
type Deps struct {
	Store     MaintenanceStore
	Curator   *curation.Curator
	Monitor   *liveness.Monitor
	Keyring   *hmacsig.Keyring
	Delegator *delegation.Delegator
	Logger    *zap.Logger
}

// RegisterBuiltins installs the standard task set. Idempotent, like every
// registration.
func RegisterBuiltins(reg *registry.Registry, d Deps) error {
	builtins := []registry.Task{
		// The curation family is exclusive: passes share scoring state in
		// the graph and must never interleave.
		{
			Name: "curation_rapid", Agent: graph.AgentMain, FrequencyMinutes: 5,
			MaxTokens: 200, Exclusive: true, Category: "analysis",
			Handler: d.Curator.Rapid,
		},
		{
			Name: "curation_standard", Agent: graph.AgentMain, FrequencyMinutes: 15,
			MaxTokens: 800, Exclusive: true, Category: "analysis",
			Handler: d.Curator.Standard,
		},
		{
			Name: "curation_hourly", Agent: graph.AgentMain, FrequencyMinutes: 60,
			MaxTokens: 1500, Exclusive: true, Category: "analysis",
			Handler: d.Curator.Hourly,
		},
		{
			Name: "curation_deep", Agent: graph.AgentMain, FrequencyMinutes: 360,
			MaxTokens: 3000, TimeoutSeconds: 300, Exclusive: true, Category: "analysis",
			Handler: d.Curator.Deep,
		},
		{
			Name: "health_check", Agent: graph.AgentOps, FrequencyMinutes: 5,
			MaxTokens: 150, Critical: true, Category: "infrastructure",
			Handler: d.Monitor.CheckOnce,
		},
		{
			Name: "key_rotation", Agent: graph.AgentOps, FrequencyMinutes: 10080,
			MaxTokens: 100, Critical: true, Category: "infrastructure",
			Handler: rotateKeys(d),
		},
		{
			Name: "rate_limit_purge", Agent: graph.AgentOps, FrequencyMinutes: 1440,
			MaxTokens: 50, Category: "infrastructure",
			Handler: purgeRateLimits(d),
		},
		{
			Name: "reflection", Agent: graph.AgentMain, FrequencyMinutes: 10080,
			MaxTokens: 2500, Category: "self-awareness",
			Handler: func(ctx context.Context) error { return TriggerReflection(ctx, d.Delegator) },
		},
	}

	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("tasks: register %s: %w", t.Name, err)
		}
	}
	return nil
}

// rotateKeys derives the current-epoch key for every agent, activates its
// hash, and purges keys past audit retention.
func rotateKeys(d Deps) registry.Handler {
	return func(ctx context.Context) error {
		epoch := hmacsig.Epoch(time.Now())
		for id := range graph.KnownAgents {
			key := d.Keyring.DeriveKey(id, epoch)
			if err := d.Store.UpsertAgentKey(ctx, id, hmacsig.KeyHash(key)); err != nil {
				return fmt.Errorf("tasks: rotate key for %s: %w", id, err)
			}
		}

		purged, err := d.Store.PurgeInactiveKeys(ctx, time.Now().Add(-keyAuditRetention))
		if err != nil {
			return fmt.Errorf("tasks: purge inactive keys: %w", err)
		}
		d.Logger.Info("agent keys rotated",
			zap.Int("epoch", epoch),
			zap.Int("purged", purged))
		return nil
	}
}

func purgeRateLimits(d Deps) registry.Handler {
	return func(ctx context.Context) error {
		purged, err := d.Store.PurgeRateLimits(ctx, time.Now().Add(-rateLimitRetention))
		if err != nil {
			return fmt.Errorf("tasks: purge rate limits: %w", err)
		}
		if purged > 0 {
			d.Logger.Debug("rate limit rows purged", zap.Int("count", purged))
		}
		return nil
	}
}

// TriggerReflection delegates the weekly self-review to the orchestrator.
// Also invoked directly by the CLI.
func TriggerReflection(ctx context.Context, delegator *delegation.Delegator) error {
	_, err := delegator.Delegate(ctx, delegation.Request{
		TaskType:    "synthesis",
		Description: "weekly reflection: review the last week of cycles, task outcomes and failovers, and record beliefs worth keeping",
		Priority:    graph.PriorityNormal,
		DelegatedBy: graph.AgentMain,
	})
	if err != nil {
		return fmt.Errorf("tasks: trigger reflection: %w", err)
	}
	return nil
}

// SeedKeys activates keys for every agent if none exist yet. Called from
// setup so verification works before the first weekly rotation.
func SeedKeys(ctx context.Context, store MaintenanceStore, keyring *hmacsig.Keyring) error {
	epoch := hmacsig.Epoch(time.Now())
	for id := range graph.KnownAgents {
		key := keyring.DeriveKey(id, epoch)
		if err := store.UpsertAgentKey(ctx, id, hmacsig.KeyHash(key)); err != nil {
			return fmt.Errorf("tasks: seed key for %s: %w", id, err)
		}
	}
	return nil
}
