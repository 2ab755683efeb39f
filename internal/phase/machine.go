// Package phase provides the pipeline phase state machine for planforge.
package phase

import (
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/planforge/internal/events"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

// State represents the lifecycle state of a phase.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateNeedsRerun State = "needs_rerun"
	StateSkipped    State = "skipped"
)

// Satisfied reports whether this state satisfies downstream prerequisites.
// Skipped satisfies prerequisites identically to Completed. NeedsRerun
// does not: a stale phase must complete again first.
func (s State) Satisfied() bool {
	return s == StateCompleted || s == StateSkipped
}

// Terminal reports whether the phase has finished its current run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Phase is one dependency-ordered unit of pipeline work.
type Phase struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Prerequisites []string      `yaml:"prerequisites,omitempty"`
	State         State         `yaml:"state"`
	Duration      time.Duration `yaml:"duration"`
	Successes     int           `yaml:"successes"`
	Failures      int           `yaml:"failures"`
	LastError     string        `yaml:"last_error,omitempty"`
	SkipReason    string        `yaml:"skip_reason,omitempty"`

	startedAt time.Time
}

// View is a read-only copy of a phase for reporting.
type View struct {
	ID            string
	Name          string
	Prerequisites []string
	State         State
	Duration      time.Duration
	Successes     int
	Failures      int
	LastError     string
	SkipReason    string
}

// TransitionHook is invoked after every state transition with a snapshot
// of all phases, in registration order. The hook runs inside the
// machine's critical section and must not call back into the Machine.
type TransitionHook func([]View)

// Machine tracks phase lifecycle and dependency semantics.
type Machine struct {
	mu         sync.Mutex
	phases     map[string]*Phase
	order      []string
	dependents map[string][]string
	publisher  events.Publisher
	hook       TransitionHook
	now        func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithPublisher sets the event publisher for transitions.
func WithPublisher(p events.Publisher) MachineOption {
	return func(m *Machine) { m.publisher = p }
}

// WithTransitionHook sets a hook called after every transition.
func WithTransitionHook(h TransitionHook) MachineOption {
	return func(m *Machine) { m.hook = h }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates an empty phase state machine.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		phases:     make(map[string]*Phase),
		dependents: make(map[string][]string),
		publisher:  events.NewNopPublisher(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a phase with its prerequisites. Prerequisites must
// already be registered; registration that would close a cycle fails.
func (m *Machine) Register(id, name string, prerequisites []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.phases[id]; exists {
		return fmt.Errorf("phase %s already registered", id)
	}
	for _, pre := range prerequisites {
		if _, ok := m.phases[pre]; !ok {
			return forgeerr.ErrPhaseNotFound(pre)
		}
		if m.reachableLocked(pre, id) {
			return forgeerr.ErrPhaseCycle(id)
		}
	}

	m.phases[id] = &Phase{
		ID:            id,
		Name:          name,
		Prerequisites: append([]string(nil), prerequisites...),
		State:         StateNotStarted,
	}
	m.order = append(m.order, id)
	for _, pre := range prerequisites {
		m.dependents[pre] = append(m.dependents[pre], id)
	}
	return nil
}

// reachableLocked reports whether `to` is reachable from `from` via
// dependents edges. Must be called with the lock held.
func (m *Machine) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, dep := range m.dependents[cur] {
			if dep == to {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// CanStart reports whether every prerequisite of the phase is satisfied.
func (m *Machine) CanStart(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.phases[id]
	if !ok {
		return false, forgeerr.ErrPhaseNotFound(id)
	}
	return len(m.unmetLocked(p)) == 0, nil
}

func (m *Machine) unmetLocked(p *Phase) []string {
	var unmet []string
	for _, pre := range p.Prerequisites {
		if !m.phases[pre].State.Satisfied() {
			unmet = append(unmet, pre)
		}
	}
	return unmet
}

// Start transitions a phase to InProgress and starts its duration timer.
// Fails with PrerequisiteError if any prerequisite is unsatisfied.
func (m *Machine) Start(id string) error {
	m.mu.Lock()
	p, ok := m.phases[id]
	if !ok {
		m.mu.Unlock()
		return forgeerr.ErrPhaseNotFound(id)
	}
	if p.State == StateInProgress {
		m.mu.Unlock()
		return forgeerr.ErrPhaseBadState(id, string(p.State), string(StateNotStarted))
	}
	if unmet := m.unmetLocked(p); len(unmet) > 0 {
		m.mu.Unlock()
		return forgeerr.ErrPrerequisite(id, unmet)
	}

	from := p.State
	p.State = StateInProgress
	p.startedAt = m.now()
	m.transitionLocked(p, from, events.EventPhaseStarted, "", "")
	m.mu.Unlock()
	return nil
}

// Complete transitions a phase from InProgress to Completed.
func (m *Machine) Complete(id string) error {
	m.mu.Lock()
	p, ok := m.phases[id]
	if !ok {
		m.mu.Unlock()
		return forgeerr.ErrPhaseNotFound(id)
	}
	if p.State != StateInProgress {
		m.mu.Unlock()
		return forgeerr.ErrPhaseBadState(id, string(p.State), string(StateInProgress))
	}

	from := p.State
	p.Duration += m.now().Sub(p.startedAt)
	p.State = StateCompleted
	p.Successes++
	p.LastError = ""
	m.transitionLocked(p, from, events.EventPhaseCompleted, "", "")
	m.mu.Unlock()
	return nil
}

// Fail transitions a phase from InProgress to Failed, recording the error.
func (m *Machine) Fail(id string, cause error) error {
	m.mu.Lock()
	p, ok := m.phases[id]
	if !ok {
		m.mu.Unlock()
		return forgeerr.ErrPhaseNotFound(id)
	}
	if p.State != StateInProgress {
		m.mu.Unlock()
		return forgeerr.ErrPhaseBadState(id, string(p.State), string(StateInProgress))
	}

	from := p.State
	p.Duration += m.now().Sub(p.startedAt)
	p.State = StateFailed
	p.Failures++
	if cause != nil {
		p.LastError = cause.Error()
	}
	m.transitionLocked(p, from, events.EventPhaseFailed, "", p.LastError)
	m.mu.Unlock()
	return nil
}

// Skip marks a phase as Skipped. A reason is mandatory: no phase is
// ever skipped silently.
func (m *Machine) Skip(id, reason string) error {
	if reason == "" {
		return forgeerr.ErrSkipNoReason(id)
	}

	m.mu.Lock()
	p, ok := m.phases[id]
	if !ok {
		m.mu.Unlock()
		return forgeerr.ErrPhaseNotFound(id)
	}
	if p.State == StateInProgress {
		m.mu.Unlock()
		return forgeerr.ErrPhaseBadState(id, string(p.State), string(StateNotStarted))
	}

	from := p.State
	p.State = StateSkipped
	p.SkipReason = reason
	m.transitionLocked(p, from, events.EventPhaseSkipped, reason, "")
	m.mu.Unlock()
	return nil
}

// MarkNeedsRerun flags a completed phase as stale.
func (m *Machine) MarkNeedsRerun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markNeedsRerunLocked(id)
}

func (m *Machine) markNeedsRerunLocked(id string) error {
	p, ok := m.phases[id]
	if !ok {
		return forgeerr.ErrPhaseNotFound(id)
	}
	if p.State != StateCompleted {
		// Only completed work can go stale; everything else already
		// has a pending run.
		return nil
	}
	from := p.State
	p.State = StateNeedsRerun
	m.transitionLocked(p, from, events.EventPhaseNeedsRerun, "", "")
	return nil
}

// Cascade marks every phase that transitively depends on id as
// NeedsRerun, walking the dependency graph in reverse.
func (m *Machine) Cascade(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.phases[id]; !ok {
		return forgeerr.ErrPhaseNotFound(id)
	}

	seen := map[string]bool{id: true}
	stack := append([]string(nil), m.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if err := m.markNeedsRerunLocked(cur); err != nil {
			return err
		}
		stack = append(stack, m.dependents[cur]...)
	}
	return nil
}

// Runnable returns the IDs of phases that are ready to run: NotStarted
// or NeedsRerun with all prerequisites satisfied. Failed phases are not
// retried automatically. Order follows registration order.
func (m *Machine) Runnable() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []string
	for _, id := range m.order {
		p := m.phases[id]
		switch p.State {
		case StateNotStarted, StateNeedsRerun:
			if len(m.unmetLocked(p)) == 0 {
				ready = append(ready, id)
			}
		}
	}
	return ready
}

// RetryFailed returns every Failed phase to NotStarted so the next run
// attempts it again. Failure counts and last errors are kept. Returns
// the ids that were reset, in registration order.
func (m *Machine) RetryFailed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reset []string
	for _, id := range m.order {
		p := m.phases[id]
		if p.State == StateFailed {
			p.State = StateNotStarted
			reset = append(reset, id)
		}
	}
	return reset
}

// Dependents returns the direct dependents of a phase.
func (m *Machine) Dependents(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dependents[id]...)
}

// TransitiveDependents returns every phase downstream of id.
func (m *Machine) TransitiveDependents(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{id: true}
	var out []string
	stack := append([]string(nil), m.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		stack = append(stack, m.dependents[cur]...)
	}
	return out
}

// Get returns a copy of a single phase.
func (m *Machine) Get(id string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.phases[id]
	if !ok {
		return View{}, forgeerr.ErrPhaseNotFound(id)
	}
	return p.view(), nil
}

// Snapshot returns copies of all phases in registration order.
func (m *Machine) Snapshot() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() []View {
	views := make([]View, 0, len(m.order))
	for _, id := range m.order {
		views = append(views, m.phases[id].view())
	}
	return views
}

func (p *Phase) view() View {
	return View{
		ID:            p.ID,
		Name:          p.Name,
		Prerequisites: append([]string(nil), p.Prerequisites...),
		State:         p.State,
		Duration:      p.Duration,
		Successes:     p.Successes,
		Failures:      p.Failures,
		LastError:     p.LastError,
		SkipReason:    p.SkipReason,
	}
}

// AllDone reports whether every phase is in a satisfied or failed state
// with nothing left to run.
func (m *Machine) AllDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		switch m.phases[id].State {
		case StateNotStarted, StateInProgress, StateNeedsRerun:
			return false
		}
	}
	return true
}

// FailedPhases returns the IDs of failed phases in registration order.
func (m *Machine) FailedPhases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []string
	for _, id := range m.order {
		if m.phases[id].State == StateFailed {
			failed = append(failed, id)
		}
	}
	return failed
}

// transitionLocked publishes the transition event and invokes the hook.
// Must be called with the lock held.
func (m *Machine) transitionLocked(p *Phase, from State, evType events.Type, reason, errMsg string) {
	m.publisher.Publish(events.Event{
		Type:    evType,
		PhaseID: p.ID,
		Data: events.PhaseTransitionData{
			From:   string(from),
			To:     string(p.State),
			Reason: reason,
			Error:  errMsg,
		},
		Time: m.now(),
	})
	if m.hook != nil {
		m.hook(m.snapshotLocked())
	}
}
