package build

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Phase is a coarse build state.
type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseStageRunning Phase = "Running"
	PhaseStageDone    Phase = "Done"
	PhaseValidating   Phase = "Validating"
	PhaseCommitted    Phase = "Committed"
	PhaseRejected     Phase = "Rejected"
)

// State is a phase plus, for stage phases, the stage it refers to.
type State struct {
	Phase Phase
	Stage string
}

// String renders stage states as "<Stage>Running" / "<Stage>Done", e.g.
// "BuilderRunning".
func (s State) String() string {
	if s.Stage == "" {
		return string(s.Phase)
	}
	return stageTitle(s.Stage) + string(s.Phase)
}

// Transition is one recorded state change.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Machine enforces the build lifecycle:
//
//	Pending -> SRunning -> SDone -> ... -> Validating -> Committed | Rejected
//
// Any non-terminal state may move to Rejected. Committed and Rejected are terminal.
type Machine struct {
	cur     State
	history []Transition
	now     func() time.Time
}

// NewMachine starts in Pending.
func NewMachine() *Machine {
	m := &Machine{cur: State{Phase: PhasePending}, now: time.Now}
	m.record()
	return m
}

// Current returns the current state.
func (m *Machine) Current() State { return m.cur }

// History returns the recorded transitions, starting with Pending.
func (m *Machine) History() []Transition {
	return append([]Transition(nil), m.history...)
}

// Path returns the visited states by name, e.g. "Pending -> BuilderRunning -> ...".
func (m *Machine) Path() string {
	names := make([]string, len(m.history))
	for i, t := range m.history {
		names[i] = t.State
	}
	return strings.Join(names, " -> ")
}

// StartStage moves to "<stage>Running".
func (m *Machine) StartStage(stage string) error {
	return m.to(State{Phase: PhaseStageRunning, Stage: stage})
}

// FinishStage moves to "<stage>Done".
func (m *Machine) FinishStage(stage string) error {
	return m.to(State{Phase: PhaseStageDone, Stage: stage})
}

// Validate moves to Validating.
func (m *Machine) Validate() error { return m.to(State{Phase: PhaseValidating}) }

// Commit moves to Committed.
func (m *Machine) Commit() error { return m.to(State{Phase: PhaseCommitted}) }

// Reject moves to Rejected. Rejecting an already rejected build is a no-op.
func (m *Machine) Reject() error {
	if m.cur.Phase == PhaseRejected {
		return nil
	}
	return m.to(State{Phase: PhaseRejected})
}

func (m *Machine) to(next State) error {
	if !allowed(m.cur, next) {
		return fmt.Errorf("invalid build state transition %s -> %s", m.cur, next)
	}
	m.cur = next
	m.record()
	return nil
}

func (m *Machine) record() {
	m.history = append(m.history, Transition{State: m.cur.String(), At: m.now()})
}

func allowed(from, to State) bool {
	switch from.Phase {
	case PhaseCommitted, PhaseRejected:
		return false
	}
	if to.Phase == PhaseRejected {
		return true
	}
	switch from.Phase {
	case PhasePending:
		return to.Phase == PhaseStageRunning
	case PhaseStageRunning:
		return to.Phase == PhaseStageDone && to.Stage == from.Stage
	case PhaseStageDone:
		return to.Phase == PhaseStageRunning || to.Phase == PhaseValidating
	case PhaseValidating:
		return to.Phase == PhaseCommitted
	}
	return false
}

func stageTitle(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
