package model

import "time"

// EventKind enumerates every Evolution Log event kind the scheduler,
// evolution engine, and trade gate emit.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventMutated    EventKind = "mutated"
	EventValidated  EventKind = "validated"
	EventPromoted   EventKind = "promoted"
	EventDemoted    EventKind = "demoted"
	EventProtected  EventKind = "protected"
	EventEliminated EventKind = "eliminated"
	EventScored     EventKind = "scored"
	EventRejected   EventKind = "rejected"
	EventConfigChanged EventKind = "config_changed"
)

// EvolutionEvent is one append-only entry in the evolution log.
// It is never the source of truth for state; it is the audit trail.
type EvolutionEvent struct {
	Timestamp  time.Time
	StrategyID string
	Kind       EventKind
	Before     any
	After      any
	Reason     string
}

// PopulationSnapshot is a derived, point-in-time view of the population,
// produced on demand by the scheduler for the control surface.
type PopulationSnapshot struct {
	Taken           time.Time
	CountByTier     map[Tier]int
	ScoreHistogram  []int
	LeadingGeneration int
	LeadingCycle      int
}
