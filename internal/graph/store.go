package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// CreateTask inserts a pending task and wires the CREATED / ASSIGNED_TO
// relationships. The description must already be sanitised; the store does
// not inspect it. Returns the new task id.
func (c *Client) CreateTask(ctx context.Context, taskType, description string, delegatedBy, assignedTo AgentID, priority Priority, metadata string) (string, error) {
	if !ValidAgent(delegatedBy) || !ValidAgent(assignedTo) {
		return "", fmt.Errorf("graph: create_task: agent %q/%q: %w", delegatedBy, assignedTo, ErrInvalidInput)
	}
	if !ValidPriority(priority) {
		return "", fmt.Errorf("graph: create_task: priority %q: %w", priority, ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("graph: create_task: %w", err)
	}

	_, err = c.write(ctx, "create_task", `
		MATCH (from:Agent {id: $delegated_by}), (to:Agent {id: $assigned_to})
		CREATE (t:Task {
			id: $id,
			type: $type,
			description: $description,
			status: 'pending',
			priority: $priority,
			delegated_by: $delegated_by,
			assigned_to: $assigned_to,
			created_at: $now,
			metadata: $metadata
		})
		CREATE (from)-[:CREATED]->(t)
		CREATE (to)-[:ASSIGNED_TO]->(t)`,
		map[string]any{
			"id":           id.String(),
			"type":         taskType,
			"description":  description,
			"priority":     string(priority),
			"delegated_by": string(delegatedBy),
			"assigned_to":  string(assignedTo),
			"now":          time.Now().UTC(),
			"metadata":     metadata,
		})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ClaimTask atomically transitions a pending task to in_progress for the
// claiming agent. The transition is a single conditional update, never a
// read-then-write pair, so exactly one claimer wins under any interleaving.
// The claim also sets the agent's current_task and functional heartbeat.
func (c *Client) ClaimTask(ctx context.Context, taskID string, agent AgentID) (ClaimOutcome, error) {
	if !ValidAgent(agent) {
		return ClaimOutcome{}, fmt.Errorf("graph: claim_task: agent %q: %w", agent, ErrInvalidInput)
	}

	records, err := c.write(ctx, "claim_task", `
		MATCH (t:Task {id: $id})
		WHERE t.status = 'pending'
		  AND (t.assigned_to IS NULL OR t.assigned_to = $agent)
		SET t.status = 'in_progress',
		    t.assigned_to = $agent,
		    t.claimed_at = $now
		WITH t
		MATCH (a:Agent {id: $agent})
		SET a.current_task = t.id,
		    a.last_heartbeat = $now
		RETURN t.id AS id`,
		map[string]any{
			"id":    taskID,
			"agent": string(agent),
			"now":   time.Now().UTC(),
		})
	if err != nil {
		return ClaimOutcome{}, err
	}
	if len(records) > 0 {
		return ClaimOutcome{Outcome: OutcomeClaimed}, nil
	}

	// The conditional update matched nothing: the task is either missing or
	// already claimed. This follow-up read is diagnostic only; it never
	// mutates, so the atomicity of the claim is unaffected.
	records, err = c.read(ctx, "claim_task_check", `
		MATCH (t:Task {id: $id})
		RETURN t.status AS status, t.assigned_to AS assigned_to`,
		map[string]any{"id": taskID})
	if err != nil {
		return ClaimOutcome{}, err
	}
	if len(records) == 0 {
		return ClaimOutcome{Outcome: OutcomeNotFound}, nil
	}
	owner := AgentID(recordString(records[0], "assigned_to"))
	return ClaimOutcome{Outcome: OutcomeAlreadyClaimed, Owner: owner}, nil
}

// CompleteTask marks an in_progress task completed. The caller must be the
// current owner; otherwise ErrStaleOwnership. Clears the agent's current_task
// and refreshes its functional heartbeat.
func (c *Client) CompleteTask(ctx context.Context, taskID string, agent AgentID, results string) error {
	return c.finishTask(ctx, "complete_task", taskID, agent, TaskCompleted, results, "")
}

// FailTask marks an in_progress task failed with the given error message.
// Same ownership rules as CompleteTask.
func (c *Client) FailTask(ctx context.Context, taskID string, agent AgentID, errMsg string) error {
	return c.finishTask(ctx, "fail_task", taskID, agent, TaskFailed, "", errMsg)
}

func (c *Client) finishTask(ctx context.Context, op, taskID string, agent AgentID, status TaskStatus, results, errMsg string) error {
	if !ValidAgent(agent) {
		return fmt.Errorf("graph: %s: agent %q: %w", op, agent, ErrInvalidInput)
	}

	records, err := c.write(ctx, op, `
		MATCH (t:Task {id: $id})
		WHERE t.status = 'in_progress' AND t.assigned_to = $agent
		SET t.status = $status,
		    t.completed_at = $now,
		    t.results = $results,
		    t.error_message = $error
		WITH t
		MATCH (a:Agent {id: $agent})
		SET a.current_task = null,
		    a.last_heartbeat = $now
		RETURN t.id AS id`,
		map[string]any{
			"id":      taskID,
			"agent":   string(agent),
			"status":  string(status),
			"now":     time.Now().UTC(),
			"results": results,
			"error":   errMsg,
		})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("graph: %s %s by %s: %w", op, taskID, agent, ErrStaleOwnership)
	}
	return nil
}

// GetTask loads a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	records, err := c.read(ctx, "get_task", `
		MATCH (t:Task {id: $id})
		RETURN t.id AS id, t.type AS type, t.description AS description,
		       t.status AS status, t.priority AS priority,
		       t.delegated_by AS delegated_by, t.assigned_to AS assigned_to,
		       t.created_at AS created_at, t.claimed_at AS claimed_at,
		       t.completed_at AS completed_at, t.results AS results,
		       t.error_message AS error_message`,
		map[string]any{"id": taskID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("graph: get_task %s: %w", taskID, ErrNotFound)
	}

	return recordToTask(records[0]), nil
}

func recordToTask(rec recordGetter) *Task {
	return &Task{
		ID:          recordString(rec, "id"),
		Type:        recordString(rec, "type"),
		Description: recordString(rec, "description"),
		Status:      TaskStatus(recordString(rec, "status")),
		Priority:    Priority(recordString(rec, "priority")),
		DelegatedBy: AgentID(recordString(rec, "delegated_by")),
		AssignedTo:  AgentID(recordString(rec, "assigned_to")),
		CreatedAt:   recordTime(rec, "created_at"),
		ClaimedAt:   recordTimePtr(rec, "claimed_at"),
		CompletedAt: recordTimePtr(rec, "completed_at"),
		Results:     recordString(rec, "results"),
		ErrorMsg:    recordString(rec, "error_message"),
	}
}

// ListTasks returns tasks, newest first, optionally filtered by assignee
// and status. Empty filter values match everything.
func (c *Client) ListTasks(ctx context.Context, agent AgentID, status TaskStatus, limit int) ([]Task, error) {
	if agent != "" && !ValidAgent(agent) {
		return nil, fmt.Errorf("graph: list_tasks: %q: %w", agent, ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	records, err := c.read(ctx, "list_tasks", `
		MATCH (t:Task)
		WHERE ($agent = '' OR t.assigned_to = $agent)
		  AND ($status = '' OR t.status = $status)
		  AND NOT t:ArchivedTask
		RETURN t.id AS id, t.type AS type, t.description AS description,
		       t.status AS status, t.priority AS priority,
		       t.delegated_by AS delegated_by, t.assigned_to AS assigned_to,
		       t.created_at AS created_at, t.claimed_at AS claimed_at,
		       t.completed_at AS completed_at, t.results AS results,
		       t.error_message AS error_message
		ORDER BY t.created_at DESC
		LIMIT $limit`,
		map[string]any{"agent": string(agent), "status": string(status), "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(records))
	for _, rec := range records {
		out = append(out, *recordToTask(rec))
	}
	return out, nil
}

// ArchiveTerminalTasks relabels completed/failed tasks older than the cutoff
// so they stop matching operational queries. Returns the number archived.
// Called by the standard curation pass.
func (c *Client) ArchiveTerminalTasks(ctx context.Context, olderThan time.Time) (int, error) {
	records, err := c.write(ctx, "archive_tasks", `
		MATCH (t:Task)
		WHERE t.status IN ['completed', 'failed']
		  AND t.completed_at < $cutoff
		  AND NOT t:ArchivedTask
		SET t:ArchivedTask
		RETURN count(t) AS archived`,
		map[string]any{"cutoff": olderThan.UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "archived")), nil
}

// -----------------------------------------------------------------------------
// Agents & heartbeats
// -----------------------------------------------------------------------------

// GetAgent loads an agent record. While degraded, the last cached value is
// served instead; ErrDegraded is returned only when no cached value exists.
func (c *Client) GetAgent(ctx context.Context, id AgentID) (*Agent, error) {
	if !ValidAgent(id) {
		return nil, fmt.Errorf("graph: get_agent: %q: %w", id, ErrInvalidInput)
	}

	if c.Degraded() {
		c.mu.RLock()
		cached, ok := c.agentCache[id]
		c.mu.RUnlock()
		if ok {
			cp := cached
			return &cp, nil
		}
		return nil, fmt.Errorf("graph: get_agent %s: %w", id, ErrDegraded)
	}

	records, err := c.read(ctx, "get_agent", agentQuery+" WHERE a.id = $id "+agentReturn,
		map[string]any{"id": string(id)})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("graph: get_agent %s: %w", id, ErrNotFound)
	}

	a := recordToAgent(records[0])
	c.mu.Lock()
	c.agentCache[a.ID] = a
	c.mu.Unlock()
	return &a, nil
}

// ListAgents returns all six agents. Served from cache while degraded if the
// full roster has been seen at least once.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	if c.Degraded() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if len(c.agentCache) == len(KnownAgents) {
			out := make([]Agent, 0, len(c.agentCache))
			for _, a := range c.agentCache {
				out = append(out, a)
			}
			return out, nil
		}
		return nil, fmt.Errorf("graph: list_agents: %w", ErrDegraded)
	}

	records, err := c.read(ctx, "list_agents", agentQuery+" "+agentReturn+" ORDER BY a.id", nil)
	if err != nil {
		return nil, err
	}

	out := make([]Agent, 0, len(records))
	c.mu.Lock()
	for _, rec := range records {
		a := recordToAgent(rec)
		c.agentCache[a.ID] = a
		out = append(out, a)
	}
	c.mu.Unlock()
	return out, nil
}

const (
	agentQuery  = "MATCH (a:Agent)"
	agentReturn = `RETURN a.id AS id, a.name AS name, a.role AS role,
		a.trust_level AS trust_level, a.status AS status,
		a.infra_heartbeat AS infra_heartbeat, a.last_heartbeat AS last_heartbeat,
		a.current_task AS current_task`
)

func recordToAgent(rec recordGetter) Agent {
	return Agent{
		ID:             AgentID(recordString(rec, "id")),
		Name:           recordString(rec, "name"),
		Role:           recordString(rec, "role"),
		TrustLevel:     recordString(rec, "trust_level"),
		Status:         recordString(rec, "status"),
		InfraHeartbeat: recordTime(rec, "infra_heartbeat"),
		LastHeartbeat:  recordTime(rec, "last_heartbeat"),
		CurrentTask:    recordString(rec, "current_task"),
	}
}

// SetAgentStatus updates an agent's status field (active/degraded/inactive).
func (c *Client) SetAgentStatus(ctx context.Context, id AgentID, status string) error {
	if !ValidAgent(id) {
		return fmt.Errorf("graph: set_agent_status: %q: %w", id, ErrInvalidInput)
	}
	_, err := c.write(ctx, "set_agent_status", `
		MATCH (a:Agent {id: $id}) SET a.status = $status`,
		map[string]any{"id": string(id), "status": status})
	return err
}

// UpdateHeartbeat sets the requested heartbeat timestamp to now. The update
// is monotonic: a replayed journal entry or out-of-order call never moves a
// timestamp backwards.
func (c *Client) UpdateHeartbeat(ctx context.Context, id AgentID, kind HeartbeatKind) error {
	if !ValidAgent(id) {
		return fmt.Errorf("graph: update_heartbeat: %q: %w", id, ErrInvalidInput)
	}

	field := "last_heartbeat"
	if kind == HeartbeatInfra {
		field = "infra_heartbeat"
	}

	// The field name comes from the closed HeartbeatKind set above, never
	// from caller input.
	query := fmt.Sprintf(`
		MATCH (a:Agent {id: $id})
		SET a.%[1]s = CASE
			WHEN a.%[1]s IS NULL OR a.%[1]s < $now THEN $now
			ELSE a.%[1]s
		END`, field)

	_, err := c.write(ctx, "update_heartbeat", query,
		map[string]any{"id": string(id), "now": time.Now().UTC()})
	return err
}

// BatchInfraHeartbeat writes the infra heartbeat for every listed agent in
// one statement. Used by the sidecar's 30s tick.
func (c *Client) BatchInfraHeartbeat(ctx context.Context, ids []AgentID) error {
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if !ValidAgent(id) {
			return fmt.Errorf("graph: batch_infra_heartbeat: %q: %w", id, ErrInvalidInput)
		}
		strIDs = append(strIDs, string(id))
	}

	_, err := c.write(ctx, "update_heartbeat", `
		MATCH (a:Agent)
		WHERE a.id IN $ids
		SET a.infra_heartbeat = CASE
			WHEN a.infra_heartbeat IS NULL OR a.infra_heartbeat < $now THEN $now
			ELSE a.infra_heartbeat
		END`,
		map[string]any{"ids": strIDs, "now": time.Now().UTC()})
	return err
}

// -----------------------------------------------------------------------------
// Rate limiting
// -----------------------------------------------------------------------------

// CheckRateLimit atomically increments the (agent, operation, date, hour)
// counter and compares it against the hourly limit. Returns the post-increment
// count, and ErrRateLimited once the limit is exceeded. Denied calls are never
// retried implicitly.
func (c *Client) CheckRateLimit(ctx context.Context, agent AgentID, operation string, limitPerHour int) (int, error) {
	if !ValidAgent(agent) {
		return 0, fmt.Errorf("graph: check_rate_limit: %q: %w", agent, ErrInvalidInput)
	}

	now := time.Now().UTC()
	records, err := c.write(ctx, "check_rate_limit", `
		MERGE (r:RateLimit {agent: $agent, operation: $op, date: $date, hour: $hour})
		ON CREATE SET r.count = 1, r.last_updated = $now
		ON MATCH SET r.count = r.count + 1, r.last_updated = $now
		RETURN r.count AS count`,
		map[string]any{
			"agent": string(agent),
			"op":    operation,
			"date":  now.Format("2006-01-02"),
			"hour":  now.Hour(),
			"now":   now,
		})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("graph: check_rate_limit: no count returned")
	}

	count := int(recordInt(records[0], "count"))
	if count > limitPerHour {
		return count, fmt.Errorf("graph: %s/%s at %d per hour: %w", agent, operation, count, ErrRateLimited)
	}
	return count, nil
}

// PurgeRateLimits deletes counters older than the cutoff (7-day retention).
func (c *Client) PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error) {
	records, err := c.write(ctx, "purge_rate_limits", `
		MATCH (r:RateLimit)
		WHERE r.last_updated < $cutoff
		WITH collect(r) AS doomed
		FOREACH (r IN doomed | DETACH DELETE r)
		RETURN size(doomed) AS purged`,
		map[string]any{"cutoff": olderThan.UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "purged")), nil
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// PublishNotification creates an inbox item for an agent. taskID may be empty.
func (c *Client) PublishNotification(ctx context.Context, agent AgentID, notifType, summary, taskID string) error {
	if !ValidAgent(agent) {
		return fmt.Errorf("graph: publish_notification: %q: %w", agent, ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("graph: publish_notification: %w", err)
	}

	_, err = c.write(ctx, "publish_notification", `
		CREATE (n:Notification {
			id: $id,
			agent: $agent,
			type: $type,
			summary: $summary,
			task_id: $task_id,
			read: false,
			created_at: $now
		})`,
		map[string]any{
			"id":      id.String(),
			"agent":   string(agent),
			"type":    notifType,
			"summary": summary,
			"task_id": taskID,
			"now":     time.Now().UTC(),
		})
	if err != nil {
		c.logger.Warn("failed to publish notification",
			zap.String("agent", string(agent)),
			zap.String("type", notifType),
			zap.Error(err))
	}
	return err
}

// DeleteReadNotifications removes read notifications created before the
// cutoff. Called by the rapid curation pass (12h retention).
func (c *Client) DeleteReadNotifications(ctx context.Context, olderThan time.Time) (int, error) {
	records, err := c.write(ctx, "delete_read_notifications", `
		MATCH (n:Notification)
		WHERE n.read = true AND n.created_at < $cutoff
		WITH collect(n) AS doomed
		FOREACH (n IN doomed | DETACH DELETE n)
		RETURN size(doomed) AS deleted`,
		map[string]any{"cutoff": olderThan.UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "deleted")), nil
}

// -----------------------------------------------------------------------------
// Heartbeat cycles & results
// -----------------------------------------------------------------------------

// NextCycleNumber returns max(cycle_number) + 1. The cycle runner calls this
// once at startup and keeps its own counter afterwards, so a degraded graph
// mid-run does not break monotonicity.
func (c *Client) NextCycleNumber(ctx context.Context) (int64, error) {
	records, err := c.read(ctx, "next_cycle_number", `
		MATCH (hc:HeartbeatCycle)
		RETURN coalesce(max(hc.cycle_number), 0) + 1 AS next`, nil)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 1, nil
	}
	return recordInt(records[0], "next"), nil
}

// RecordCycle writes the cycle row with its start timestamp. MERGE keyed on
// cycle_number keeps journal replay idempotent.
func (c *Client) RecordCycle(ctx context.Context, cycleNumber int64, startedAt time.Time) error {
	_, err := c.write(ctx, "record_cycle", `
		MERGE (hc:HeartbeatCycle {cycle_number: $n})
		ON CREATE SET hc.started_at = $started_at,
		              hc.tasks_run = 0,
		              hc.tasks_succeeded = 0,
		              hc.tasks_failed = 0,
		              hc.total_tokens = 0`,
		map[string]any{"n": cycleNumber, "started_at": startedAt.UTC()})
	return err
}

// FinalizeCycle updates the cycle row with final counts and completion time.
// The row is immutable afterwards by convention; nothing else writes it.
func (c *Client) FinalizeCycle(ctx context.Context, cycle *HeartbeatCycle) error {
	_, err := c.write(ctx, "record_cycle", `
		MERGE (hc:HeartbeatCycle {cycle_number: $n})
		SET hc.completed_at = $completed_at,
		    hc.tasks_run = $run,
		    hc.tasks_succeeded = $succeeded,
		    hc.tasks_failed = $failed,
		    hc.total_tokens = $tokens,
		    hc.duration_seconds = $duration`,
		map[string]any{
			"n":            cycle.CycleNumber,
			"completed_at": cycle.CompletedAt.UTC(),
			"run":          cycle.TasksRun,
			"succeeded":    cycle.TasksSucceeded,
			"failed":       cycle.TasksFailed,
			"tokens":       cycle.TotalTokens,
			"duration":     cycle.DurationSecs,
		})
	return err
}

// RecordResult links a handler invocation result to its cycle.
func (c *Client) RecordResult(ctx context.Context, cycleNumber int64, r *TaskResult) error {
	_, err := c.write(ctx, "record_result", `
		MERGE (hc:HeartbeatCycle {cycle_number: $n})
		CREATE (tr:TaskResult {
			agent: $agent,
			task_name: $task_name,
			status: $status,
			started_at: $started_at,
			completed_at: $completed_at,
			summary: $summary,
			error_message: $error,
			tokens_used: $tokens
		})
		CREATE (hc)-[:HAS_RESULT]->(tr)`,
		map[string]any{
			"n":            cycleNumber,
			"agent":        string(r.Agent),
			"task_name":    r.TaskName,
			"status":       string(r.Status),
			"started_at":   r.StartedAt.UTC(),
			"completed_at": r.CompletedAt.UTC(),
			"summary":      r.Summary,
			"error":        r.ErrorMsg,
			"tokens":       r.TokensUsed,
		})
	return err
}

// -----------------------------------------------------------------------------
// Agent keys
// -----------------------------------------------------------------------------

// agentKeyTTL is the validity window for a freshly rotated signing key.
const agentKeyTTL = 90 * 24 * time.Hour

// UpsertAgentKey deactivates the agent's current active key (retaining it for
// audit) and inserts a new one expiring 90 days out. Only the hash of the
// derived key is stored.
func (c *Client) UpsertAgentKey(ctx context.Context, agent AgentID, keyHash string) error {
	if !ValidAgent(agent) {
		return fmt.Errorf("graph: upsert_agent_key: %q: %w", agent, ErrInvalidInput)
	}

	now := time.Now().UTC()
	_, err := c.write(ctx, "upsert_agent_key", `
		MATCH (a:Agent {id: $agent})
		OPTIONAL MATCH (a)-[:HAS_KEY]->(old:AgentKey {is_active: true})
		SET old.is_active = false
		WITH a
		CREATE (k:AgentKey {
			agent_id: $agent,
			key_hash: $hash,
			created_at: $now,
			expires_at: $expires,
			is_active: true
		})
		CREATE (a)-[:HAS_KEY]->(k)`,
		map[string]any{
			"agent":   string(agent),
			"hash":    keyHash,
			"now":     now,
			"expires": now.Add(agentKeyTTL),
		})
	return err
}

// ActiveKeyHash returns the hash of the agent's active, unexpired signing
// key. ErrNotFound when no such key exists; inactive or expired keys never
// authenticate.
func (c *Client) ActiveKeyHash(ctx context.Context, agent AgentID) (string, error) {
	if !ValidAgent(agent) {
		return "", fmt.Errorf("graph: active_key_hash: %q: %w", agent, ErrInvalidInput)
	}

	records, err := c.read(ctx, "active_key_hash", `
		MATCH (k:AgentKey {agent_id: $agent, is_active: true})
		WHERE k.expires_at > $now
		RETURN k.key_hash AS key_hash
		ORDER BY k.created_at DESC
		LIMIT 1`,
		map[string]any{"agent": string(agent), "now": time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("graph: active_key_hash %s: %w", agent, ErrNotFound)
	}
	return recordString(records[0], "key_hash"), nil
}

// PurgeInactiveKeys deletes inactive keys past the audit retention window.
func (c *Client) PurgeInactiveKeys(ctx context.Context, olderThan time.Time) (int, error) {
	records, err := c.write(ctx, "purge_inactive_keys", `
		MATCH (k:AgentKey {is_active: false})
		WHERE k.created_at < $cutoff
		WITH collect(k) AS doomed
		FOREACH (k IN doomed | DETACH DELETE k)
		RETURN size(doomed) AS purged`,
		map[string]any{"cutoff": olderThan.UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "purged")), nil
}

// -----------------------------------------------------------------------------
// Failover events
// -----------------------------------------------------------------------------

// OpenFailover creates an active FailoverEvent iff none exists. The
// conditional create enforces the single-active invariant in one statement,
// making a second trigger a no-op. Returns true when a new event was opened.
func (c *Client) OpenFailover(ctx context.Context, triggeredBy AgentID, reason string) (bool, error) {
	if !ValidAgent(triggeredBy) {
		return false, fmt.Errorf("graph: open_failover: %q: %w", triggeredBy, ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("graph: open_failover: %w", err)
	}

	records, err := c.write(ctx, "open_failover", `
		OPTIONAL MATCH (active:FailoverEvent {status: 'active'})
		WITH count(active) AS existing
		WHERE existing = 0
		CREATE (f:FailoverEvent {
			id: $id,
			triggered_by: $by,
			reason: $reason,
			activated_at: $now,
			status: 'active',
			messages_routed: 0
		})
		RETURN f.id AS id`,
		map[string]any{
			"id":     id.String(),
			"by":     string(triggeredBy),
			"reason": reason,
			"now":    time.Now().UTC(),
		})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// ActiveFailover returns the currently active event, or ErrNotFound.
func (c *Client) ActiveFailover(ctx context.Context) (*FailoverEvent, error) {
	records, err := c.read(ctx, "active_failover", `
		MATCH (f:FailoverEvent {status: 'active'})
		RETURN f.id AS id, f.triggered_by AS triggered_by, f.reason AS reason,
		       f.activated_at AS activated_at, f.messages_routed AS messages_routed
		LIMIT 1`, nil)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("graph: active_failover: %w", ErrNotFound)
	}

	rec := records[0]
	return &FailoverEvent{
		ID:             recordString(rec, "id"),
		TriggeredBy:    AgentID(recordString(rec, "triggered_by")),
		Reason:         recordString(rec, "reason"),
		ActivatedAt:    recordTime(rec, "activated_at"),
		Status:         "active",
		MessagesRouted: int(recordInt(rec, "messages_routed")),
	}, nil
}

// IncrementFailoverRouted bumps the routed-message counter on the active event.
func (c *Client) IncrementFailoverRouted(ctx context.Context) error {
	_, err := c.write(ctx, "increment_failover_routed", `
		MATCH (f:FailoverEvent {status: 'active'})
		SET f.messages_routed = f.messages_routed + 1`, nil)
	return err
}

// ResolveFailover closes the active event. No-op when none is active.
func (c *Client) ResolveFailover(ctx context.Context) error {
	_, err := c.write(ctx, "resolve_failover", `
		MATCH (f:FailoverEvent {status: 'active'})
		SET f.status = 'resolved',
		    f.deactivated_at = $now`,
		map[string]any{"now": time.Now().UTC()})
	return err
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// NodeCounts returns counts of the key operational node labels for the
// /health/graph endpoint.
func (c *Client) NodeCounts(ctx context.Context) (map[string]int64, error) {
	records, err := c.read(ctx, "node_counts", `
		CALL () {
			MATCH (a:Agent) RETURN 'agents' AS label, count(a) AS n
			UNION ALL
			MATCH (t:Task) RETURN 'tasks' AS label, count(t) AS n
			UNION ALL
			MATCH (hc:HeartbeatCycle) RETURN 'cycles' AS label, count(hc) AS n
			UNION ALL
			MATCH (m:MemoryEntry) RETURN 'memory_entries' AS label, count(m) AS n
			UNION ALL
			MATCH (nf:Notification) RETURN 'notifications' AS label, count(nf) AS n
		}
		RETURN label, n`, nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(records))
	for _, rec := range records {
		out[recordString(rec, "label")] = recordInt(rec, "n")
	}
	return out, nil
}

// Ping verifies that the graph connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	if c.Degraded() {
		return ErrDegraded
	}
	_, err := c.read(ctx, "ping", "RETURN 1 AS ok", nil)
	return err
}
