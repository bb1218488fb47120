package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/registry"
)

type fakeStore struct {
	nextCycle      int64
	nextCycleErr   error
	recordCycleErr error
	resultErrs     int // fail this many RecordResult calls, then succeed

	cyclesRecorded []int64
	results        []graph.TaskResult
	finalized      []graph.HeartbeatCycle
	tickets        []string // "agent/type"
}

func (f *fakeStore) NextCycleNumber(_ context.Context) (int64, error) {
	return f.nextCycle, f.nextCycleErr
}

func (f *fakeStore) RecordCycle(_ context.Context, n int64, _ time.Time) error {
	if f.recordCycleErr != nil {
		return f.recordCycleErr
	}
	f.cyclesRecorded = append(f.cyclesRecorded, n)
	return nil
}

func (f *fakeStore) RecordResult(_ context.Context, _ int64, r *graph.TaskResult) error {
	if f.resultErrs > 0 {
		f.resultErrs--
		return errors.New("write failed")
	}
	f.results = append(f.results, *r)
	return nil
}

func (f *fakeStore) FinalizeCycle(_ context.Context, c *graph.HeartbeatCycle) error {
	f.finalized = append(f.finalized, *c)
	return nil
}

func (f *fakeStore) PublishNotification(_ context.Context, agent graph.AgentID, notifType, _, _ string) error {
	f.tickets = append(f.tickets, string(agent)+"/"+notifType)
	return nil
}

func newTestRunner(t *testing.T, store *fakeStore, reg *registry.Registry, budget int) *Runner {
	return NewRunner(store, reg, nil, budget, zaptest.NewLogger(t))
}

func register(t *testing.T, reg *registry.Registry, task registry.Task) {
	t.Helper()
	require.NoError(t, reg.Register(task))
}

func TestRunCycleHappyPath(t *testing.T) {
	store := &fakeStore{nextCycle: 42}
	reg := registry.New(zaptest.NewLogger(t))
	ran := 0
	register(t, reg, registry.Task{
		Name: "noop", Agent: graph.AgentMain, FrequencyMinutes: 5, MaxTokens: 100,
		Handler: func(context.Context) error { ran++; return nil },
	})

	r := newTestRunner(t, store, reg, 0)
	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, ran)
	assert.Equal(t, int64(42), cycle.CycleNumber)
	assert.Equal(t, 1, cycle.TasksRun)
	assert.Equal(t, 1, cycle.TasksSucceeded)
	assert.Equal(t, 100, cycle.TotalTokens)
	require.Len(t, store.results, 1)
	assert.Equal(t, graph.ResultSuccess, store.results[0].Status)
	require.Len(t, store.finalized, 1)
	require.NotNil(t, store.finalized[0].CompletedAt)
}

func TestRunCycleNumbersAdvanceLocally(t *testing.T) {
	store := &fakeStore{nextCycle: 7}
	reg := registry.New(zaptest.NewLogger(t))
	r := newTestRunner(t, store, reg, 0)

	for i := 0; i < 3; i++ {
		_, err := r.RunCycle(context.Background())
		require.NoError(t, err)
	}
	// The graph is consulted once; numbering then advances in process.
	assert.Equal(t, []int64{7, 8, 9}, store.cyclesRecorded)
}

func TestRunCycleZeroTasks(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	r := newTestRunner(t, store, reg, 0)

	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, cycle.TasksRun)
	require.Len(t, store.finalized, 1, "empty cycles are still recorded")
}

func TestRunCycleAbortsWhenCycleRecordFails(t *testing.T) {
	store := &fakeStore{nextCycle: 1, recordCycleErr: graph.ErrDegraded}
	reg := registry.New(zaptest.NewLogger(t))
	ran := false
	register(t, reg, registry.Task{
		Name: "never", Agent: graph.AgentMain, FrequencyMinutes: 5,
		Handler: func(context.Context) error { ran = true; return nil },
	})

	r := newTestRunner(t, store, reg, 0)
	_, err := r.RunCycle(context.Background())
	require.ErrorIs(t, err, graph.ErrDegraded)
	assert.False(t, ran, "no task runs without a cycle record")
	assert.Empty(t, store.finalized)
}

func TestRunCycleBudget(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	ran := make(map[string]bool)
	handler := func(name string) registry.Handler {
		return func(context.Context) error { ran[name] = true; return nil }
	}
	// Registration order is execution order within one agent.
	register(t, reg, registry.Task{Name: "first", Agent: graph.AgentMain, FrequencyMinutes: 5, MaxTokens: 5000, Handler: handler("first")})
	register(t, reg, registry.Task{Name: "second", Agent: graph.AgentMain, FrequencyMinutes: 5, MaxTokens: 5000, Handler: handler("second")})
	register(t, reg, registry.Task{Name: "third", Agent: graph.AgentMain, FrequencyMinutes: 5, MaxTokens: 3000, Handler: handler("third")})

	r := newTestRunner(t, store, reg, 8650)
	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, ran["first"])
	assert.False(t, ran["second"], "5000+5000 exceeds 8650")
	assert.False(t, ran["third"], "the first breach skips everything after it")

	require.Len(t, store.results, 3)
	byName := map[string]graph.ResultStatus{}
	for _, res := range store.results {
		byName[res.TaskName] = res.Status
	}
	assert.Equal(t, graph.ResultSuccess, byName["first"])
	assert.Equal(t, graph.ResultSkippedBudget, byName["second"])
	assert.Equal(t, graph.ResultSkippedBudget, byName["third"])

	assert.Equal(t, 5000, cycle.TotalTokens, "skipped tasks consume nothing")
	assert.Equal(t, 0, cycle.TasksFailed, "skipped is not failed")
}

func TestRunCycleAgentRestriction(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	ran := make(map[string]bool)
	handler := func(name string) registry.Handler {
		return func(context.Context) error { ran[name] = true; return nil }
	}
	register(t, reg, registry.Task{Name: "orchestrate", Agent: graph.AgentMain, FrequencyMinutes: 5, Handler: handler("orchestrate")})
	register(t, reg, registry.Task{Name: "watch", Agent: graph.AgentOps, FrequencyMinutes: 5, Handler: handler("watch")})

	r := newTestRunner(t, store, reg, 0)
	r.RestrictToAgent(graph.AgentOps)
	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, ran["orchestrate"])
	assert.True(t, ran["watch"])
	assert.Equal(t, 1, cycle.TasksRun)
}

func TestRunCyclePanicBecomesError(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	register(t, reg, registry.Task{
		Name: "explode", Agent: graph.AgentMain, FrequencyMinutes: 5,
		Handler: func(context.Context) error { panic("boom") },
	})
	register(t, reg, registry.Task{
		Name: "after", Agent: graph.AgentMain, FrequencyMinutes: 5,
		Handler: func(context.Context) error { return nil },
	})

	r := newTestRunner(t, store, reg, 0)
	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cycle.TasksFailed)
	assert.Equal(t, 1, cycle.TasksSucceeded, "a panic never takes the cycle down")
	require.Len(t, store.results, 2)
	assert.Equal(t, graph.ResultError, store.results[0].Status)
	assert.Contains(t, store.results[0].ErrorMsg, "boom")
}

func TestRunCycleTimeout(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	register(t, reg, registry.Task{
		Name: "hang", Agent: graph.AgentMain, FrequencyMinutes: 5, TimeoutSeconds: 1,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Second) // ignores cancellation
			return ctx.Err()
		},
	})

	r := newTestRunner(t, store, reg, 0)
	cycle, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cycle.TasksFailed)
	require.Len(t, store.results, 1)
	res := store.results[0]
	assert.Equal(t, graph.ResultTimeout, res.Status)
	// Recorded duration is exactly the timeout.
	assert.Equal(t, time.Second, res.CompletedAt.Sub(res.StartedAt))
}

func TestRunCycleCriticalFailureOpensTicket(t *testing.T) {
	store := &fakeStore{nextCycle: 1}
	reg := registry.New(zaptest.NewLogger(t))
	register(t, reg, registry.Task{
		Name: "health_check", Agent: graph.AgentOps, FrequencyMinutes: 5,
		Critical: true, Category: "infrastructure",
		Handler: func(context.Context) error { return errors.New("graph unreachable") },
	})

	r := newTestRunner(t, store, reg, 0)
	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ops/ticket"}, store.tickets, "infrastructure tickets route to ops")
}

func TestRunCycleResultRetry(t *testing.T) {
	store := &fakeStore{nextCycle: 1, resultErrs: 1}
	reg := registry.New(zaptest.NewLogger(t))
	register(t, reg, registry.Task{
		Name: "t", Agent: graph.AgentMain, FrequencyMinutes: 5,
		Handler: func(context.Context) error { return nil },
	})

	r := newTestRunner(t, store, reg, 0)
	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, store.results, 1, "result lands on the retry")
}
