// Package delegation implements task hand-off between agents: a routing
// table from task type to specialist, PII sanitisation of everything that
// leaves the orchestrator, per-agent rate limiting, and signed HTTP dispatch
// to the receiving agent's message endpoint.
package delegation

import (
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// taskRouting maps a task type to the agent that owns it. Unknown types fall
// through to the orchestrator, which can re-delegate after triage.
var taskRouting = map[string]graph.AgentID{
	"research":      graph.AgentResearcher,
	"writing":       graph.AgentWriter,
	"documentation": graph.AgentWriter,
	"development":   graph.AgentDeveloper,
	"coding":        graph.AgentDeveloper,
	"analysis":      graph.AgentAnalyst,
	"security":      graph.AgentAnalyst,
	"testing":       graph.AgentAnalyst,
	"operations":    graph.AgentOps,
	"monitoring":    graph.AgentOps,
	"health_check":  graph.AgentOps,
	"orchestration": graph.AgentMain,
	"synthesis":     graph.AgentMain,
}

// RouteTaskType returns the agent responsible for a task type.
func RouteTaskType(taskType string) graph.AgentID {
	if agent, ok := taskRouting[taskType]; ok {
		return agent
	}
	return graph.AgentMain
}

// ticketRouting maps a correctness-ticket category to its assignee.
var ticketRouting = map[string]graph.AgentID{
	"infrastructure": graph.AgentOps,
	"code":           graph.AgentDeveloper,
	"tests":          graph.AgentDeveloper,
	"analysis":       graph.AgentAnalyst,
	"self-awareness": graph.AgentMain,
}

// RouteTicket returns the agent a correctness ticket in the given category
// is assigned to. Unknown categories go to the orchestrator.
func RouteTicket(category string) graph.AgentID {
	if agent, ok := ticketRouting[category]; ok {
		return agent
	}
	return graph.AgentMain
}
