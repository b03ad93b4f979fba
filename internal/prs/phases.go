package prs

import "time"

// Phase names the eight fixed design-workflow phases.
type Phase string

const (
	PhaseMission         Phase = "mission"
	PhaseHullForm        Phase = "hull_form"
	PhaseStructure       Phase = "structure"
	PhasePropulsion      Phase = "propulsion"
	PhaseSystems         Phase = "systems"
	PhaseWeightStability Phase = "weight_stability"
	PhaseCompliance      Phase = "compliance"
	PhaseProduction      Phase = "production"
)

// AllPhases lists the phases in workflow order.
func AllPhases() []Phase {
	return []Phase{
		PhaseMission,
		PhaseHullForm,
		PhaseStructure,
		PhasePropulsion,
		PhaseSystems,
		PhaseWeightStability,
		PhaseCompliance,
		PhaseProduction,
	}
}

// dependencies is the static phase DAG. A phase may start only when
// every dependency is completed or approved.
var dependencies = map[Phase][]Phase{
	PhaseMission:         {},
	PhaseHullForm:        {PhaseMission},
	PhaseStructure:       {PhaseHullForm},
	PhasePropulsion:      {PhaseHullForm},
	PhaseSystems:         {PhaseStructure, PhasePropulsion},
	PhaseWeightStability: {PhaseSystems, PhaseStructure},
	PhaseCompliance:      {PhaseWeightStability},
	PhaseProduction:      {PhaseCompliance},
}

// Dependencies returns the static dependency list for a phase.
func Dependencies(phase Phase) []Phase {
	return append([]Phase(nil), dependencies[phase]...)
}

// Status is the phase lifecycle: pending → active → completed →
// approved, with failed and blocked as side-states reachable from
// active and pending respectively.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// satisfied reports whether a status counts as a met dependency.
func (s Status) satisfied() bool {
	return s == StatusCompleted || s == StatusApproved
}

// PhaseInfo is the orchestrator's record of one phase.
type PhaseInfo struct {
	Name         Phase
	Status       Status
	LastModified time.Time
	PhaseHash    string
}

// Milestone is one entry in the append-only notification log.
// Entries are retained until explicitly dismissed by id.
type Milestone struct {
	ID        string
	Type      string
	Phase     Phase
	Message   string
	Timestamp time.Time
	Dismissed bool
}
