// Package boot orders application startup: stores initialize first,
// then systems, then the push transport connects. Push events that
// arrive before the pipeline is ready are buffered and flushed onto
// the bus once systems are up, so nothing delivered early is dropped.
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/keel/internal/bus"
)

// Stage names one startup phase. Steps registered for a stage run in
// registration order; stages run strictly in Stages order.
type Stage string

const (
	StageStores  Stage = "stores"
	StageSystems Stage = "systems"
	StageConnect Stage = "connect"
)

// Stages is the fixed execution order.
var Stages = []Stage{StageStores, StageSystems, StageConnect}

// Status describes how far startup has progressed.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// StepFunc is one registered initialization step.
type StepFunc func(ctx context.Context) error

type step struct {
	name string
	fn   StepFunc
}

// Manager runs registered steps stage by stage and buffers
// early-arriving push events until the flush point.
type Manager struct {
	mu     sync.Mutex
	bus    *bus.Bus
	steps  map[Stage][]step
	status Status
	buffer []bus.Event
}

func New(b *bus.Bus) *Manager {
	return &Manager{
		bus:    b,
		steps:  make(map[Stage][]step),
		status: StatusIdle,
	}
}

// Register adds a named step to a stage. Registration after Run has
// started has no effect on the running pass.
func (m *Manager) Register(stage Stage, name string, fn StepFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[stage] = append(m.steps[stage], step{name: name, fn: fn})
}

// Run executes all stages in order. Buffered push events are flushed
// after the systems stage, before the transport connects, so every
// subscriber wired during stores/systems sees them. A failing step
// aborts the run and leaves the manager failed.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusReady {
		m.mu.Unlock()
		return fmt.Errorf("bootstrap already %s", m.status)
	}
	m.status = StatusRunning
	m.mu.Unlock()

	for _, stage := range Stages {
		if stage == StageConnect {
			m.flush()
		}
		if err := m.runStage(ctx, stage); err != nil {
			m.mu.Lock()
			m.status = StatusFailed
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	m.status = StatusReady
	m.mu.Unlock()
	m.flush()
	slog.Info("bootstrap complete")
	return nil
}

func (m *Manager) runStage(ctx context.Context, stage Stage) error {
	m.mu.Lock()
	steps := m.steps[stage]
	m.mu.Unlock()

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Debug("bootstrap step", "stage", stage, "step", s.name)
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("bootstrap %s/%s: %w", stage, s.name, err)
		}
	}
	return nil
}

// Deliver routes a push event: straight onto the bus when ready,
// otherwise into the hold buffer.
func (m *Manager) Deliver(ev bus.Event) {
	m.mu.Lock()
	if m.status != StatusReady {
		m.buffer = append(m.buffer, ev)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.bus.Emit(ev)
}

// flush drains the hold buffer onto the bus in arrival order.
func (m *Manager) flush() {
	m.mu.Lock()
	held := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	if len(held) > 0 {
		slog.Info("flushing buffered push events", "count", len(held))
	}
	for _, ev := range held {
		m.bus.Emit(ev)
	}
}

// Status reports the current bootstrap state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Buffered reports how many push events are currently held.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}
