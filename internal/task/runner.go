// ABOUTME: Runner is the pluggable executor behind named long-running tasks
// ABOUTME: The registry owns lifecycle; runners own the actual work

package task

import (
	"context"
	"fmt"
)

// Runner executes a named operation on behalf of a session task. The monitor
// carries intermediate status back to clients; the returned value becomes the
// task result.
type Runner interface {
	Run(ctx context.Context, name string, params map[string]string, mon *Monitor) (any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, params map[string]string, mon *Monitor) (any, error)

func (f RunnerFunc) Run(ctx context.Context, name string, params map[string]string, mon *Monitor) (any, error) {
	return f(ctx, name, params, mon)
}

// MuxRunner dispatches by task name to registered runners.
type MuxRunner struct {
	runners map[string]Runner
}

// NewMuxRunner creates an empty dispatcher.
func NewMuxRunner() *MuxRunner {
	return &MuxRunner{runners: make(map[string]Runner)}
}

// Register binds a runner to a task name. Call before serving; the map is
// read-only afterwards.
func (m *MuxRunner) Register(name string, r Runner) {
	m.runners[name] = r
}

func (m *MuxRunner) Run(ctx context.Context, name string, params map[string]string, mon *Monitor) (any, error) {
	r, ok := m.runners[name]
	if !ok {
		return nil, fmt.Errorf("no runner registered for task %q", name)
	}
	return r.Run(ctx, name, params, mon)
}
