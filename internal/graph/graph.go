// Package graph is the only component that speaks to the property graph.
// It exposes typed operations over the Bolt protocol (task CRUD, atomic
// claims, heartbeats, rate limiting, notifications, cycle persistence,
// agent keys, and curation primitives) and enforces the data-model
// invariants at the store boundary.
//
// Every query is parameterised: caller-supplied identifiers are never
// interpolated into query text, and enum-typed inputs (agent ids, priorities,
// tiers) are validated against their closed sets before they reach a query.
//
// Resilience: calls run through a retry policy and a circuit breaker. When
// the breaker opens (5 consecutive failures within 60s by default) the
// client enters degraded mode: journalable writes are buffered in-process,
// reads are served from cache where possible, and a background probe retries
// the graph every 30s. The client leaves degraded mode after 10 consecutive
// healthy probes with the journal fully drained.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds what is needed to open a graph connection.
type Config struct {
	URI      string
	User     string
	Password string
	Policy   RetryPolicy
	Logger   *zap.Logger
}

// Client is the typed façade over the property graph.
// Safe for concurrent use. The zero value is not usable; create instances
// with New.
type Client struct {
	driver  neo4j.DriverWithContext
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	journal *journal
	logger  *zap.Logger

	mu            sync.RWMutex
	degraded      bool
	healthyProbes int
	agentCache    map[AgentID]Agent
}

// journalableOps are the write operations that may be buffered while
// degraded. Everything else (claims, completions, key rotation, curation
// mutations) needs an authoritative answer and fails with ErrDegraded.
var journalableOps = map[string]bool{
	"update_heartbeat":     true,
	"record_cycle":         true,
	"record_result":        true,
	"publish_notification": true,
}

// New opens the Bolt connection and verifies connectivity. The probe loop is
// not started here; call RunProbe from a goroutine owned by the caller.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("graph: logger is required")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: failed to create driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("graph: connectivity check failed: %w", err)
	}

	c := &Client{
		driver:     driver,
		policy:     cfg.Policy,
		journal:    newJournal(),
		logger:     cfg.Logger.Named("graph"),
		agentCache: make(map[AgentID]Agent),
	}
	c.breaker = cfg.Policy.NewBreaker(c.enterDegraded, nil)
	return c, nil
}

// Close releases the underlying driver.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Degraded reports whether the client is currently journaling writes.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// JournalLen returns the number of buffered degraded-mode writes.
// Exposed for the health endpoints.
func (c *Client) JournalLen() int {
	return c.journal.Len()
}

func (c *Client) enterDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.degraded {
		c.degraded = true
		c.healthyProbes = 0
		c.logger.Warn("graph unreachable, entering degraded mode")
	}
}

// RunProbe retries the graph on the policy's probe interval while degraded.
// It drains the journal as soon as the graph answers and exits degraded mode
// after the required run of consecutive healthy probes with an empty journal.
// Blocks until ctx is cancelled; run it in its own goroutine.
func (c *Client) RunProbe(ctx context.Context) {
	ticker := time.NewTicker(c.policy.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Degraded() {
				continue
			}
			c.probeOnce(ctx)
		}
	}
}

// probeOnce performs one connection health query and, on success, one drain
// attempt. Counters live under the client mutex.
func (c *Client) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
	_, err := neo4j.ExecuteQuery(probeCtx, c.driver,
		"RETURN 1 AS ok", nil, neo4j.EagerResultTransformer)
	cancel()

	c.mu.Lock()
	if err != nil {
		c.healthyProbes = 0
		c.mu.Unlock()
		c.logger.Debug("graph probe failed", zap.Error(err))
		return
	}
	c.healthyProbes++
	probes := c.healthyProbes
	c.mu.Unlock()

	replayed, drainErr := c.journal.Drain(func(e journalEntry) error {
		drainCtx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
		defer cancel()
		_, err := neo4j.ExecuteQuery(drainCtx, c.driver, e.Query, e.Params, neo4j.EagerResultTransformer)
		return err
	})
	if replayed > 0 {
		c.logger.Info("replayed journaled writes", zap.Int("count", replayed))
	}
	if drainErr != nil {
		c.logger.Warn("journal drain interrupted", zap.Error(drainErr))
		return
	}

	if probes >= c.policy.RecoveryProbes && c.journal.Len() == 0 {
		c.mu.Lock()
		c.degraded = false
		c.healthyProbes = 0
		c.mu.Unlock()
		c.logger.Info("graph recovered, leaving degraded mode",
			zap.Int("probes", probes))
	}
}

// -----------------------------------------------------------------------------
// Query execution
// -----------------------------------------------------------------------------

// read executes a read query through the retry policy and breaker.
// Degraded reads fail with ErrDegraded; callers with cacheable entities
// check the cache first (see GetAgent).
func (c *Client) read(ctx context.Context, op, query string, params map[string]any) ([]*neo4j.Record, error) {
	if c.Degraded() {
		return nil, fmt.Errorf("graph: %s: %w", op, ErrDegraded)
	}
	return c.run(ctx, op, query, params)
}

// write executes a mutation. While degraded, journalable operations are
// buffered and reported as success; everything else fails with ErrDegraded.
func (c *Client) write(ctx context.Context, op, query string, params map[string]any) ([]*neo4j.Record, error) {
	if c.Degraded() {
		if journalableOps[op] {
			if dropped := c.journal.Append(op, query, params); dropped > 0 {
				c.logger.Warn("journal full, dropped oldest entry", zap.String("op", op))
			}
			return nil, nil
		}
		return nil, fmt.Errorf("graph: %s: %w", op, ErrDegraded)
	}

	records, err := c.run(ctx, op, query, params)
	if err != nil && journalableOps[op] && c.Degraded() {
		// The failing call itself may have tripped the breaker. Capture the
		// write so it is not lost.
		c.journal.Append(op, query, params)
		return nil, nil
	}
	return records, err
}

// run is the shared breaker + retry execution path.
func (c *Client) run(ctx context.Context, op, query string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var records []*neo4j.Record
		err := c.policy.Do(ctx, func(attemptCtx context.Context) error {
			result, err := neo4j.ExecuteQuery(attemptCtx, c.driver, query, params, neo4j.EagerResultTransformer)
			if err != nil {
				return err
			}
			records = result.Records
			return nil
		})
		return records, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("graph: %s: %w", op, ErrDegraded)
		}
		return nil, fmt.Errorf("graph: %s: %w", op, err)
	}
	records, _ := out.([]*neo4j.Record)
	return records, nil
}

// -----------------------------------------------------------------------------
// Schema setup & seeding
// -----------------------------------------------------------------------------

// seededAgents is the fixed roster created at setup time. Agents are never
// deleted; re-running Setup is a no-op for existing records.
var seededAgents = []Agent{
	{ID: AgentMain, Name: "Main", Role: "orchestrator", TrustLevel: "HIGH"},
	{ID: AgentResearcher, Name: "Researcher", Role: "specialist", TrustLevel: "MEDIUM"},
	{ID: AgentWriter, Name: "Writer", Role: "specialist", TrustLevel: "MEDIUM"},
	{ID: AgentDeveloper, Name: "Developer", Role: "specialist", TrustLevel: "MEDIUM"},
	{ID: AgentAnalyst, Name: "Analyst", Role: "specialist", TrustLevel: "MEDIUM"},
	{ID: AgentOps, Name: "Ops", Role: "specialist", TrustLevel: "HIGH"},
}

// schemaStatements are applied one at a time; Neo4j does not allow multiple
// schema commands in a single query. All statements are idempotent.
var schemaStatements = []string{
	"CREATE CONSTRAINT agent_id_unique IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE",
	"CREATE CONSTRAINT task_id_unique IF NOT EXISTS FOR (t:Task) REQUIRE t.id IS UNIQUE",
	"CREATE CONSTRAINT cycle_number_unique IF NOT EXISTS FOR (c:HeartbeatCycle) REQUIRE c.cycle_number IS UNIQUE",
	"CREATE CONSTRAINT notification_id_unique IF NOT EXISTS FOR (n:Notification) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT failover_id_unique IF NOT EXISTS FOR (f:FailoverEvent) REQUIRE f.id IS UNIQUE",
	"CREATE INDEX task_status_idx IF NOT EXISTS FOR (t:Task) ON (t.status)",
	"CREATE INDEX task_assigned_idx IF NOT EXISTS FOR (t:Task) ON (t.assigned_to)",
	"CREATE INDEX rate_limit_key_idx IF NOT EXISTS FOR (r:RateLimit) ON (r.agent, r.operation, r.date, r.hour)",
	"CREATE INDEX notification_agent_idx IF NOT EXISTS FOR (n:Notification) ON (n.agent, n.read)",
	"CREATE INDEX memory_tier_idx IF NOT EXISTS FOR (m:MemoryEntry) ON (m.tier)",
	"CREATE INDEX agent_key_active_idx IF NOT EXISTS FOR (k:AgentKey) ON (k.agent_id, k.is_active)",
}

// Setup creates constraints and indexes and seeds the six fixed agents.
// Idempotent; run via the --setup CLI mode before the first cycle.
func (c *Client) Setup(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.run(ctx, "setup_schema", stmt, nil); err != nil {
			return fmt.Errorf("graph: setup: %w", err)
		}
	}

	for _, a := range seededAgents {
		_, err := c.run(ctx, "seed_agent", `
			MERGE (a:Agent {id: $id})
			ON CREATE SET a.name = $name,
			              a.role = $role,
			              a.trust_level = $trust,
			              a.status = 'active',
			              a.infra_heartbeat = $now,
			              a.last_heartbeat = $now,
			              a.current_task = null`,
			map[string]any{
				"id":    string(a.ID),
				"name":  a.Name,
				"role":  a.Role,
				"trust": a.TrustLevel,
				"now":   time.Now().UTC(),
			})
		if err != nil {
			return fmt.Errorf("graph: seed agent %s: %w", a.ID, err)
		}
	}

	c.logger.Info("graph schema ready",
		zap.Int("statements", len(schemaStatements)),
		zap.Int("agents_seeded", len(seededAgents)))
	return nil
}

// -----------------------------------------------------------------------------
// Record helpers
// -----------------------------------------------------------------------------

// recordGetter is the subset of *neo4j.Record the extraction helpers need.
// Narrowing to an interface keeps the helpers testable without a live graph.
type recordGetter interface {
	Get(key string) (any, bool)
}

// recordString extracts a string field from a record, tolerating nulls.
func recordString(rec recordGetter, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// recordInt extracts an integer field from a record.
func recordInt(rec recordGetter, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

// recordFloat extracts a float field, accepting integer-typed values too.
func recordFloat(rec recordGetter, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

// recordBool extracts a boolean field from a record.
func recordBool(rec recordGetter, key string) bool {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// recordTime extracts a timestamp field from a record.
func recordTime(rec recordGetter, key string) time.Time {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return time.Time{}
	}
	t, _ := v.(time.Time)
	return t
}

// recordTimePtr extracts an optional timestamp field from a record.
func recordTimePtr(rec recordGetter, key string) *time.Time {
	t := recordTime(rec, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// recordFloats extracts a float slice (vector embedding) from a record.
func recordFloats(rec recordGetter, key string) []float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		switch n := e.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}
