package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

func noop(context.Context) error { return nil }

func task(name string, agent graph.AgentID, freq int) Task {
	return Task{Name: name, Agent: agent, FrequencyMinutes: freq, Handler: noop}
}

func TestRegisterValidation(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	require.NoError(t, r.Register(task("ok", graph.AgentMain, 5)))

	err := r.Register(task("bad-freq", graph.AgentMain, 7))
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	err = r.Register(task("bad-agent", graph.AgentID("ghost"), 5))
	assert.Error(t, err)

	err = r.Register(Task{Name: "nil-handler", Agent: graph.AgentMain, FrequencyMinutes: 5})
	assert.Error(t, err)
}

func TestRegisterIdempotent(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	require.NoError(t, r.Register(task("health", graph.AgentOps, 5)))
	require.NoError(t, r.Register(task("later", graph.AgentOps, 5)))

	// Re-registering replaces the definition but keeps the slot and any
	// enable state.
	require.NoError(t, r.Disable("health"))
	updated := task("health", graph.AgentOps, 15)
	updated.MaxTokens = 200
	require.NoError(t, r.Register(updated))

	got, err := r.Get("health")
	require.NoError(t, err)
	assert.Equal(t, 15, got.FrequencyMinutes)
	assert.Equal(t, 200, got.MaxTokens)
	assert.False(t, got.Enabled(), "disable survives re-registration")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "health", list[0].Name, "registration order preserved")
}

func TestDefaultTimeout(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	require.NoError(t, r.Register(task("t", graph.AgentMain, 5)))
	got, err := r.Get("t")
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeoutSeconds, got.TimeoutSeconds)
}

func TestDueAlignment(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	require.NoError(t, r.Register(task("every-cycle", graph.AgentMain, 5)))
	require.NoError(t, r.Register(task("quarter-hour", graph.AgentMain, 15)))
	require.NoError(t, r.Register(task("hourly", graph.AgentAnalyst, 60)))
	require.NoError(t, r.Register(task("weekly", graph.AgentMain, 10080)))

	names := func(tasks []Task) []string {
		out := make([]string, 0, len(tasks))
		for _, tk := range tasks {
			out = append(out, tk.Name)
		}
		return out
	}

	// Cycle 0: everything aligns, analyst sorts before main.
	assert.Equal(t, []string{"hourly", "every-cycle", "quarter-hour", "weekly"}, names(r.Due(0)))

	// Cycle 3 = minute 15.
	assert.Equal(t, []string{"every-cycle", "quarter-hour"}, names(r.Due(3)))

	// Cycle 12 = minute 60.
	assert.Equal(t, []string{"hourly", "every-cycle", "quarter-hour"}, names(r.Due(12)))

	// Cycle 2016 = minute 10080, the weekly boundary.
	due := names(r.Due(2016))
	assert.Contains(t, due, "weekly")

	// A week has 2016 cycles; no earlier cycle fires the weekly task.
	for c := 1; c < 2016; c++ {
		for _, tk := range r.Due(c) {
			assert.NotEqual(t, "weekly", tk.Name, "cycle %d", c)
		}
	}
}

func TestDueSkipsDisabled(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	require.NoError(t, r.Register(task("a", graph.AgentMain, 5)))
	require.NoError(t, r.Register(task("b", graph.AgentMain, 5)))
	require.NoError(t, r.Disable("a"))

	due := r.Due(1)
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].Name)

	require.NoError(t, r.Enable("a"))
	assert.Len(t, r.Due(1), 2)

	assert.ErrorIs(t, r.Enable("ghost"), ErrUnknownTask)
}
