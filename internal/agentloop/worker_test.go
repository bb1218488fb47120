package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

type loopStore struct {
	pending    []graph.Task
	claimedBy  map[string]graph.AgentID // pre-claimed tasks
	completed  []string
	failed     []string
	heartbeats int
}

func (s *loopStore) ListTasks(_ context.Context, _ graph.AgentID, _ graph.TaskStatus, _ int) ([]graph.Task, error) {
	return s.pending, nil
}

func (s *loopStore) ClaimTask(_ context.Context, taskID string, agent graph.AgentID) (graph.ClaimOutcome, error) {
	if owner, taken := s.claimedBy[taskID]; taken {
		return graph.ClaimOutcome{Outcome: graph.OutcomeAlreadyClaimed, Owner: owner}, nil
	}
	if s.claimedBy == nil {
		s.claimedBy = map[string]graph.AgentID{}
	}
	s.claimedBy[taskID] = agent
	return graph.ClaimOutcome{Outcome: graph.OutcomeClaimed}, nil
}

func (s *loopStore) CompleteTask(_ context.Context, taskID string, _ graph.AgentID, _ string) error {
	s.completed = append(s.completed, taskID)
	return nil
}

func (s *loopStore) FailTask(_ context.Context, taskID string, _ graph.AgentID, _ string) error {
	s.failed = append(s.failed, taskID)
	return nil
}

func (s *loopStore) UpdateHeartbeat(_ context.Context, _ graph.AgentID, _ graph.HeartbeatKind) error {
	s.heartbeats++
	return nil
}

func TestPollOnceProcessesBatch(t *testing.T) {
	store := &loopStore{
		pending: []graph.Task{
			{ID: "t1", Type: "research"},
			{ID: "t2", Type: "research"},
		},
	}
	w := NewWorker(store, graph.AgentResearcher, func(_ context.Context, task graph.Task) (string, error) {
		if task.ID == "t2" {
			return "", errors.New("source unavailable")
		}
		return `{"ok":true}`, nil
	}, zaptest.NewLogger(t))

	n := w.PollOnce(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"t1"}, store.completed)
	assert.Equal(t, []string{"t2"}, store.failed)
	assert.Equal(t, 1, store.heartbeats, "one functional heartbeat per busy poll")
}

func TestPollOnceSkipsTakenTasks(t *testing.T) {
	store := &loopStore{
		pending:   []graph.Task{{ID: "t1"}},
		claimedBy: map[string]graph.AgentID{"t1": graph.AgentAnalyst},
	}
	ran := false
	w := NewWorker(store, graph.AgentResearcher, func(context.Context, graph.Task) (string, error) {
		ran = true
		return "", nil
	}, zaptest.NewLogger(t))

	n := w.PollOnce(context.Background())
	assert.Equal(t, 0, n)
	assert.False(t, ran, "lost claims never execute")
}

func TestPollOnceIdle(t *testing.T) {
	store := &loopStore{}
	w := NewWorker(store, graph.AgentWriter, func(context.Context, graph.Task) (string, error) {
		return "", nil
	}, zaptest.NewLogger(t))

	assert.Equal(t, 0, w.PollOnce(context.Background()))
	assert.Equal(t, 0, store.heartbeats, "idle polls do not fake functional liveness")
}
