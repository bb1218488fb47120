// Package registry holds the set of scheduled heartbeat tasks. Tasks are
// registered at startup, keyed by name, and selected per cycle by frequency
// alignment: a task with frequency f minutes is due on cycle c exactly when
// (c*5) mod f == 0. With the allowed frequencies all multiples of 5, every
// task's schedule stays phase-locked to the 5-minute cycle grid.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

var (
	ErrInvalidFrequency = errors.New("registry: frequency not in allowed set")
	ErrUnknownTask      = errors.New("registry: unknown task")
)

// CycleMinutes is the scheduler's base period.
const CycleMinutes = 5

// allowedFrequencies is the closed set of task periods, in minutes:
// 5m, 15m, 30m, 1h, 6h, 1d, 1w.
var allowedFrequencies = map[int]bool{
	5:     true,
	15:    true,
	30:    true,
	60:    true,
	360:   true,
	1440:  true,
	10080: true,
}

// AllowedFrequency reports whether f is a legal task frequency.
func AllowedFrequency(f int) bool { return allowedFrequencies[f] }

// Handler is a task body. It must respect ctx; the runner enforces the
// task's timeout and recovers panics.
type Handler func(ctx context.Context) error

// Task is one scheduled unit of heartbeat work.
type Task struct {
	// Name uniquely identifies the task. Re-registering a name replaces the
	// previous definition.
	Name string

	// Agent is the agent the task runs on behalf of.
	Agent graph.AgentID

	// FrequencyMinutes must be one of the allowed frequencies.
	FrequencyMinutes int

	// MaxTokens is the task's estimated token cost, counted against the
	// per-cycle budget before the task runs.
	MaxTokens int

	// TimeoutSeconds bounds one execution. Zero means the 60s default.
	TimeoutSeconds int

	// Critical tasks open correctness tickets when they fail.
	Critical bool

	// Exclusive tasks never run concurrently with another exclusive task.
	// The sequential runner satisfies this by construction; the flag is kept
	// so a future concurrent runner preserves it.
	Exclusive bool

	// Category routes the correctness ticket a critical failure opens.
	Category string

	// Handler is the task body.
	Handler Handler

	enabled bool
	seq     int
}

// Enabled reports whether the task is currently schedulable.
func (t Task) Enabled() bool { return t.enabled }

// DefaultTimeoutSeconds applies when a task registers without a timeout.
const DefaultTimeoutSeconds = 60

// Registry is the named task table. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	nextID int
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: logger.Named("registry"),
	}
}

// Register adds or replaces a task. Registration is idempotent: registering
// the same name again overwrites the definition without duplicating the
// schedule slot, keeping the original registration order.
func (r *Registry) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("registry: register: empty task name")
	}
	if !graph.ValidAgent(t.Agent) {
		return fmt.Errorf("registry: register %s: unknown agent %q", t.Name, t.Agent)
	}
	if !AllowedFrequency(t.FrequencyMinutes) {
		return fmt.Errorf("registry: register %s: %d min: %w", t.Name, t.FrequencyMinutes, ErrInvalidFrequency)
	}
	if t.Handler == nil {
		return fmt.Errorf("registry: register %s: nil handler", t.Name)
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = DefaultTimeoutSeconds
	}
	t.enabled = true

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tasks[t.Name]; ok {
		t.seq = prev.seq
		t.enabled = prev.enabled
		r.logger.Debug("task re-registered", zap.String("task", t.Name))
	} else {
		t.seq = r.nextID
		r.nextID++
	}
	r.tasks[t.Name] = &t
	return nil
}

// Enable marks a task schedulable.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable removes a task from scheduling without forgetting it.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("registry: %s: %w", name, ErrUnknownTask)
	}
	t.enabled = enabled
	return nil
}

// Get returns a task by name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, fmt.Errorf("registry: %s: %w", name, ErrUnknownTask)
	}
	return *t, nil
}

// List returns every registered task in execution order: grouped by agent
// id, registration order within each agent.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Due returns the enabled tasks whose frequency aligns with the given cycle
// number, in execution order.
func (r *Registry) Due(cycle int) []Task {
	all := r.List()
	due := make([]Task, 0, len(all))
	for _, t := range all {
		if !t.enabled {
			continue
		}
		if (cycle*CycleMinutes)%t.FrequencyMinutes == 0 {
			due = append(due, t)
		}
	}
	return due
}
