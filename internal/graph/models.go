package graph

import (
	"time"
)

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentID is one of the six fixed agent identifiers. The set is closed:
// every identifier arriving at a boundary (HTTP header, routing decision,
// Cypher parameter) is validated against KnownAgents before use.
type AgentID string

const (
	AgentMain       AgentID = "main" // orchestrator
	AgentResearcher AgentID = "researcher"
	AgentWriter     AgentID = "writer"
	AgentDeveloper  AgentID = "developer"
	AgentAnalyst    AgentID = "analyst"
	AgentOps        AgentID = "ops" // standby router during failover
)

// KnownAgents is the closed allow-list of agent identifiers.
// Agents are seeded at schema setup time and never deleted.
var KnownAgents = map[AgentID]bool{
	AgentMain:       true,
	AgentResearcher: true,
	AgentWriter:     true,
	AgentDeveloper:  true,
	AgentAnalyst:    true,
	AgentOps:        true,
}

// ValidAgent reports whether id names one of the six fixed agents.
func ValidAgent(id AgentID) bool { return KnownAgents[id] }

// Agent is the graph record for one of the six fixed agents. Heartbeat
// fields are mutated only by the liveness plane (infra sidecar, health
// checks) and the delegation plane (functional heartbeat on claim/complete).
type Agent struct {
	ID         AgentID
	Name       string
	Role       string // "orchestrator" or "specialist"
	TrustLevel string // "LOW", "MEDIUM", "HIGH"
	Status     string // "active", "degraded", "inactive"

	// InfraHeartbeat is written every 30s by the sidecar for all agents in
	// one batched update. It proves the gateway process is alive.
	InfraHeartbeat time.Time

	// LastHeartbeat is written by the agent itself on task claim and
	// completion. It proves useful work is happening.
	LastHeartbeat time.Time

	// CurrentTask is the id of the task the agent is working on, or empty.
	CurrentTask string
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// TaskStatus follows pending -> in_progress -> completed|failed with no
// back-edges. The transition to in_progress happens through exactly one
// successful ClaimTask call.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Priority of a delegated task. During failover only critical tasks are
// routed; everything else waits in the delay queue for failback.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a member of the closed priority set.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is a unit of delegated work. Descriptions are sanitised before the
// task is created; the stored description never contains raw PII.
type Task struct {
	ID          string
	Type        string
	Description string
	Status      TaskStatus
	Priority    Priority
	DelegatedBy AgentID
	AssignedTo  AgentID
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Results     string // opaque JSON blob
	ErrorMsg    string
}

// ClaimOutcome is the result of an atomic claim attempt. Exactly one claimer
// observes OutcomeClaimed for any given task, regardless of interleaving.
type ClaimOutcome struct {
	Outcome string  // "claimed", "already_claimed", "not_found"
	Owner   AgentID // set when Outcome == "already_claimed"
}

const (
	OutcomeClaimed        = "claimed"
	OutcomeAlreadyClaimed = "already_claimed"
	OutcomeNotFound       = "not_found"
)

// -----------------------------------------------------------------------------
// Agent keys
// -----------------------------------------------------------------------------

// AgentKey holds the hash of an agent's HMAC signing key. The plaintext key
// is derived from the master secret at runtime and never persisted. Inactive
// keys are retained for audit for at least 30 days after rotation.
type AgentKey struct {
	AgentID   AgentID
	KeyHash   string // SHA-256 hex of the derived key
	CreatedAt time.Time
	ExpiresAt time.Time // 90 days after creation
	IsActive  bool
}

// -----------------------------------------------------------------------------
// Rate limits & notifications
// -----------------------------------------------------------------------------

// RateLimit is a per-agent, per-operation counter keyed by (agent, operation,
// date, hour). Rows older than 7 days are purged by the ops maintenance task.
type RateLimit struct {
	Agent       AgentID
	Operation   string
	Date        string // "2006-01-02"
	Hour        int
	Count       int
	LastUpdated time.Time
}

// Notification is an in-graph inbox item. Read notifications older than 12
// hours are removed by the rapid curation pass.
type Notification struct {
	ID        string
	Agent     AgentID
	Type      string // "ticket", "critical", "info", ...
	Summary   string
	TaskID    string
	Read      bool
	CreatedAt time.Time
}

// -----------------------------------------------------------------------------
// Heartbeat cycles
// -----------------------------------------------------------------------------

// HeartbeatCycle records one scheduler tick. CycleNumber is strictly
// monotonic for the process identity and resumes at max+1 after a restart.
// Rows are immutable once CompletedAt is written.
type HeartbeatCycle struct {
	CycleNumber    int64
	StartedAt      time.Time
	CompletedAt    *time.Time
	TasksRun       int
	TasksSucceeded int
	TasksFailed    int
	TotalTokens    int
	DurationSecs   float64
}

// ResultStatus classifies a single handler invocation within a cycle.
type ResultStatus string

const (
	ResultSuccess       ResultStatus = "success"
	ResultError         ResultStatus = "error"
	ResultTimeout       ResultStatus = "timeout"
	ResultSkippedBudget ResultStatus = "skipped_budget"
)

// TaskResult is one handler invocation within a cycle, linked to its
// HeartbeatCycle via HAS_RESULT.
type TaskResult struct {
	Agent       AgentID
	TaskName    string
	Status      ResultStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Summary     string
	ErrorMsg    string
	TokensUsed  int
}

// -----------------------------------------------------------------------------
// Memory entries (curation)
// -----------------------------------------------------------------------------

// Tier is the storage tier of a memory entry. Demotion walks one step at a
// time: HOT -> WARM -> COLD -> ARCHIVED.
type Tier string

const (
	TierHot      Tier = "HOT"
	TierWarm     Tier = "WARM"
	TierCold     Tier = "COLD"
	TierArchived Tier = "ARCHIVED"
)

// Tiers lists all tiers in demotion order.
var Tiers = []Tier{TierHot, TierWarm, TierCold, TierArchived}

// ValidTier reports whether t is a member of the closed tier set.
func ValidTier(t Tier) bool {
	switch t {
	case TierHot, TierWarm, TierCold, TierArchived:
		return true
	}
	return false
}

// NextTierDown returns the tier one step below t. ARCHIVED has no lower tier.
func NextTierDown(t Tier) (Tier, bool) {
	switch t {
	case TierHot:
		return TierWarm, true
	case TierWarm:
		return TierCold, true
	case TierCold:
		return TierArchived, true
	}
	return t, false
}

// CurationAction is the decision recorded on a memory entry by a scoring pass.
type CurationAction string

const (
	ActionKeep     CurationAction = "KEEP"
	ActionCompress CurationAction = "COMPRESS"
	ActionImprove  CurationAction = "IMPROVE"
	ActionMerge    CurationAction = "MERGE"
	ActionDemote   CurationAction = "DEMOTE"
	ActionPrune    CurationAction = "PRUNE"
)

// MemoryEntry is the curation-facing view of a memory-family node
// (Belief, Reflection, Analysis, Synthesis, Research, LearnedCapability,
// SessionContext, CompressedContext). Domain payload fields stay opaque to
// the coordination plane; only the attributes the scorer needs are lifted.
type MemoryEntry struct {
	ID            string
	Label         string // node label, e.g. "Belief", "SessionContext"
	Tier          Tier
	MVSScore      float64
	AccessCount7d int
	LastAccessed  time.Time
	LastCuratedAt time.Time
	Action        CurationAction
	Tombstone     bool
	DeletedAt     *time.Time
	CreatedAt     time.Time

	// Scoring inputs read from the node and its neighbourhood.
	Confidence        float64 // typed quality signal, 0..1 (0 when absent)
	Tokens            int
	RelationshipCount int
	DistinctAgents7d  int
	Embedding         []float64 // empty when the node carries no vector
}

// -----------------------------------------------------------------------------
// Failover
// -----------------------------------------------------------------------------

// FailoverEvent records a standby promotion. At most one event is active at
// any time (enforced by the conditional create in OpenFailover).
type FailoverEvent struct {
	ID             string
	TriggeredBy    AgentID
	Reason         string
	ActivatedAt    time.Time
	DeactivatedAt  *time.Time
	Status         string // "active" or "resolved"
	MessagesRouted int
}

// HeartbeatKind selects which of the two per-agent heartbeat timestamps an
// UpdateHeartbeat call writes.
type HeartbeatKind string

const (
	HeartbeatInfra      HeartbeatKind = "infra"
	HeartbeatFunctional HeartbeatKind = "functional"
)
