// Package prs orchestrates the design-workflow state machine over a
// fixed, dependency-gated set of phases.
//
// The orchestrator never implements the backend's authoritative phase
// engine; it gates client-side phase actions through an external
// Service collaborator and keeps the local register in step.
package prs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/metrics"
	"github.com/roach88/keel/internal/token"
)

// ErrNoDesign is returned by phase operations before a design loads.
var ErrNoDesign = errors.New("no design loaded")

// RunResult is the backend's answer to a run-phase call.
type RunResult struct {
	Success bool
	JobID   string
}

// ValidationReport is the backend's answer to a validate-phase call.
// Errors are blocking; warnings are not.
type ValidationReport struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Service is the external phase-engine collaborator,
// transport-agnostic.
type Service interface {
	RunPhase(ctx context.Context, designID string, phase Phase, options map[string]any) (RunResult, error)
	ValidatePhase(ctx context.Context, designID string, phase Phase) (ValidationReport, error)
	ApprovePhase(ctx context.Context, designID string, phase Phase, comment string) error
	ListPhases(ctx context.Context, designID string) ([]PhaseInfo, error)
}

// StartCheck is the answer to CanStartPhase.
type StartCheck struct {
	CanStart bool
	Blockers []string
}

// Orchestrator is the client-side workflow state machine.
type Orchestrator struct {
	mu      sync.Mutex
	bus     *bus.Bus
	svc     Service
	metrics *metrics.Collector
	tokens  token.Generator
	now     func() time.Time

	designID        string
	phases          map[Phase]*PhaseInfo
	activePhase     Phase
	pendingApproval []Phase
	milestones      []Milestone
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTokens injects a token generator for deterministic milestone ids.
func WithTokens(g token.Generator) Option {
	return func(o *Orchestrator) { o.tokens = g }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// New creates an Orchestrator with every phase pending and no design
// loaded.
func New(b *bus.Bus, svc Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:    b,
		svc:    svc,
		tokens: token.UUIDv7Generator{},
		now:    time.Now,
		phases: make(map[Phase]*PhaseInfo),
	}
	for _, p := range AllPhases() {
		o.phases[p] = &PhaseInfo{Name: p, Status: StatusPending}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Load fetches the backend's phase register for a design and replaces
// the local one.
func (o *Orchestrator) Load(ctx context.Context, designID string) error {
	infos, err := o.svc.ListPhases(ctx, designID)
	if err != nil {
		return fmt.Errorf("load design %s: %w", designID, err)
	}

	o.mu.Lock()
	o.designID = designID
	o.activePhase = ""
	o.pendingApproval = nil
	for _, p := range AllPhases() {
		o.phases[p] = &PhaseInfo{Name: p, Status: StatusPending}
	}
	for _, info := range infos {
		if local, ok := o.phases[info.Name]; ok {
			*local = info
			if info.Status == StatusActive {
				o.activePhase = info.Name
			}
			if info.Status == StatusCompleted {
				o.pendingApproval = append(o.pendingApproval, info.Name)
			}
		}
	}
	o.mu.Unlock()

	slog.Info("design loaded", "design_id", designID, "phases", len(infos))
	return nil
}

// CanStartPhase checks the dependency gate for a phase. A phase is
// blocked if any dependency is not completed/approved, or if the
// phase itself is already active.
func (o *Orchestrator) CanStartPhase(phase Phase) StartCheck {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canStartLocked(phase)
}

func (o *Orchestrator) canStartLocked(phase Phase) StartCheck {
	info, ok := o.phases[phase]
	if !ok {
		return StartCheck{Blockers: []string{fmt.Sprintf("unknown phase %q", phase)}}
	}

	var blockers []string
	if info.Status == StatusActive {
		blockers = append(blockers, fmt.Sprintf("phase %s is already active", phase))
	}
	for _, dep := range dependencies[phase] {
		if !o.phases[dep].Status.satisfied() {
			blockers = append(blockers, fmt.Sprintf("dependency %s is %s", dep, o.phases[dep].Status))
		}
	}
	return StartCheck{CanStart: len(blockers) == 0, Blockers: blockers}
}

// StartPhase re-validates the dependency gate, invokes the backend
// run-phase collaborator, and on success transitions the phase to
// active, making it the orchestrator's single active phase.
func (o *Orchestrator) StartPhase(ctx context.Context, phase Phase, options map[string]any) error {
	o.mu.Lock()
	if o.designID == "" {
		o.mu.Unlock()
		return ErrNoDesign
	}
	check := o.canStartLocked(phase)
	designID := o.designID
	o.mu.Unlock()

	if !check.CanStart {
		return fmt.Errorf("cannot start phase %s: %v", phase, check.Blockers)
	}

	result, err := o.svc.RunPhase(ctx, designID, phase, options)
	if err != nil {
		return fmt.Errorf("run phase %s: %w", phase, err)
	}
	if !result.Success {
		return fmt.Errorf("run phase %s: backend refused", phase)
	}

	o.mu.Lock()
	o.transitionLocked(phase, StatusActive)
	o.activePhase = phase
	o.mu.Unlock()

	slog.Info("phase started", "phase", phase, "job_id", result.JobID)
	o.emit("prs:phase_changed", phase, StatusActive)
	return nil
}

// CompletePhase invokes the external validation collaborator and
// transitions to completed only when validation reports zero blocking
// failures. Only valid from active. On validation failure the phase
// status is left untouched and the error names the failure count.
func (o *Orchestrator) CompletePhase(ctx context.Context, phase Phase) error {
	o.mu.Lock()
	if o.designID == "" {
		o.mu.Unlock()
		return ErrNoDesign
	}
	info, ok := o.phases[phase]
	if !ok || info.Status != StatusActive {
		status := Status("unknown")
		if ok {
			status = info.Status
		}
		o.mu.Unlock()
		return fmt.Errorf("cannot complete phase %s from status %s", phase, status)
	}
	designID := o.designID
	o.mu.Unlock()

	report, err := o.svc.ValidatePhase(ctx, designID, phase)
	if err != nil {
		return fmt.Errorf("validate phase %s: %w", phase, err)
	}
	if n := len(report.Errors); n > 0 || !report.Passed {
		if n == 0 {
			n = 1
		}
		return fmt.Errorf("Validation failed for phase %s: %d blocking error(s)", phase, n)
	}

	o.mu.Lock()
	o.transitionLocked(phase, StatusCompleted)
	o.pendingApproval = append(o.pendingApproval, phase)
	if o.activePhase == phase {
		o.activePhase = ""
	}
	o.mu.Unlock()

	slog.Info("phase completed", "phase", phase, "warnings", len(report.Warnings))
	o.emit("prs:phase_completed", phase, StatusCompleted)
	return nil
}

// ApprovePhase moves a completed phase to approved, removes it from
// the pending-approval set, appends a milestone, and announces the
// approval. Only valid from completed.
func (o *Orchestrator) ApprovePhase(ctx context.Context, phase Phase, comment string) error {
	o.mu.Lock()
	if o.designID == "" {
		o.mu.Unlock()
		return ErrNoDesign
	}
	info, ok := o.phases[phase]
	if !ok || info.Status != StatusCompleted {
		status := Status("unknown")
		if ok {
			status = info.Status
		}
		o.mu.Unlock()
		return fmt.Errorf("cannot approve phase %s from status %s", phase, status)
	}
	designID := o.designID
	o.mu.Unlock()

	if err := o.svc.ApprovePhase(ctx, designID, phase, comment); err != nil {
		return fmt.Errorf("approve phase %s: %w", phase, err)
	}

	o.mu.Lock()
	o.transitionLocked(phase, StatusApproved)
	for i, p := range o.pendingApproval {
		if p == phase {
			o.pendingApproval = append(o.pendingApproval[:i], o.pendingApproval[i+1:]...)
			break
		}
	}
	o.milestones = append(o.milestones, Milestone{
		ID:        o.tokens.Generate(),
		Type:      "phase_approved",
		Phase:     phase,
		Message:   fmt.Sprintf("Phase %s approved", phase),
		Timestamp: o.now(),
	})
	o.mu.Unlock()

	o.emit("prs:phase_approved", phase, StatusApproved)
	return nil
}

// MarkFailed flags an active phase as failed (backend job failure
// reported by the push stream).
func (o *Orchestrator) MarkFailed(phase Phase) {
	o.mu.Lock()
	info, ok := o.phases[phase]
	if !ok || info.Status != StatusActive {
		o.mu.Unlock()
		return
	}
	o.transitionLocked(phase, StatusFailed)
	if o.activePhase == phase {
		o.activePhase = ""
	}
	o.mu.Unlock()

	o.emit("prs:phase_changed", phase, StatusFailed)
}

// Progress returns round(100 * approvedCount / totalPhases).
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	approved := 0
	for _, info := range o.phases {
		if info.Status == StatusApproved {
			approved++
		}
	}
	return int(math.Round(100 * float64(approved) / float64(len(o.phases))))
}

// IsComplete reports whether every phase is approved.
func (o *Orchestrator) IsComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, info := range o.phases {
		if info.Status != StatusApproved {
			return false
		}
	}
	return true
}

// PhaseStatus returns one phase's current status.
func (o *Orchestrator) PhaseStatus(phase Phase) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info, ok := o.phases[phase]; ok {
		return info.Status
	}
	return ""
}

// AllStatuses returns a copy of every phase record, in workflow order.
func (o *Orchestrator) AllStatuses() []PhaseInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PhaseInfo, 0, len(o.phases))
	for _, p := range AllPhases() {
		out = append(out, *o.phases[p])
	}
	return out
}

// ActivePhase returns the single active phase, or "".
func (o *Orchestrator) ActivePhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activePhase
}

// PendingApproval returns phases completed but not yet approved.
func (o *Orchestrator) PendingApproval() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Phase(nil), o.pendingApproval...)
}

// Milestones returns undismissed milestones, oldest first.
func (o *Orchestrator) Milestones() []Milestone {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Milestone
	for _, m := range o.milestones {
		if !m.Dismissed {
			out = append(out, m)
		}
	}
	return out
}

// DismissMilestone marks one milestone dismissed by id.
func (o *Orchestrator) DismissMilestone(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.milestones {
		if o.milestones[i].ID == id {
			o.milestones[i].Dismissed = true
			return true
		}
	}
	return false
}

// ClearMilestones drops the whole notification log.
func (o *Orchestrator) ClearMilestones() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.milestones = nil
}

// transitionLocked updates one phase's status and modification time.
// Caller must hold o.mu.
func (o *Orchestrator) transitionLocked(phase Phase, status Status) {
	info := o.phases[phase]
	info.Status = status
	info.LastModified = o.now()
	if o.metrics != nil {
		o.metrics.RecordPhaseTransition()
	}
}

func (o *Orchestrator) emit(eventType string, phase Phase, status Status) {
	o.bus.Emit(bus.Event{
		Type:   eventType,
		Domain: "phase",
		Source: "prs",
		Payload: map[string]any{
			"phase":  string(phase),
			"status": string(status),
		},
	})
}
