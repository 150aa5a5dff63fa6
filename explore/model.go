package explore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/fasthash/fnv1a"
)

// ErrSearch tags violations of the engine's own invariants, as opposed to
// faults inside actor handlers.
var ErrSearch = errors.New("state-space search error")

// Expectation says how a property is evaluated over the explored space.
type Expectation int

const (
	// Always properties must hold in every reachable state.
	Always Expectation = iota
	// Eventually properties must hold in every terminal state: a state with
	// no deliverable messages and no armed timers from which the system can
	// take no further step.
	Eventually
)

func (e Expectation) String() string {
	switch e {
	case Always:
		return "always"
	case Eventually:
		return "eventually"
	default:
		return fmt.Sprintf("expectation(%d)", int(e))
	}
}

// Property is one predicate checked against every visited (Always) or every
// terminal (Eventually) state.
type Property struct {
	Expectation Expectation
	Name        string
	Pred        func(m *Model, s *SystemState) bool
}

// SystemState is one global state: every actor's local state, the pending
// network, and the set of armed timers. Values are treated as immutable once
// produced by the engine.
type SystemState struct {
	Actors  []State
	Network Network
	Timers  []bool
}

func (s *SystemState) Fingerprint() uint64 {
	h := fnv1a.Init64
	for _, actor := range s.Actors {
		h = fnv1a.AddUint64(h, actor.Fingerprint())
	}
	h = fnv1a.AddUint64(h, s.Network.Fingerprint())
	for _, armed := range s.Timers {
		if armed {
			h = fnv1a.AddUint64(h, 1)
		} else {
			h = fnv1a.AddUint64(h, 0)
		}
	}
	return h
}

func (s *SystemState) String() string {
	b := strings.Builder{}
	for id, actor := range s.Actors {
		fmt.Fprintf(&b, "  %v: %v\n", Id(id), actor)
	}
	fmt.Fprintf(&b, "  %v\n", s.Network)
	return b.String()
}

// Step is one transition taken by the engine: either the delivery of an
// envelope or the firing of an actor's timer.
type Step struct {
	Timeout bool
	Actor   Id       // receiver (delivery) or owner (timeout)
	Env     Envelope // valid when !Timeout
}

func (s Step) String() string {
	if s.Timeout {
		return fmt.Sprintf("timeout at %v", s.Actor)
	}
	return s.Env.String()
}

// Successor is one out-edge of a state in the transition graph.
type Successor struct {
	Step  Step
	State *SystemState
}

// Model couples an actor set with an initial network and the properties to
// check. The actor list is fixed; actor i has Id(i).
type Model struct {
	Actors     []Actor
	Network    Network
	Properties []Property
}

// NewModel returns an empty model delivering over the given network.
func NewModel(network Network) *Model {
	return &Model{Network: network}
}

// AddActor appends one actor, returning its id.
func (m *Model) AddActor(actor Actor) Id {
	m.Actors = append(m.Actors, actor)
	return Id(len(m.Actors) - 1)
}

// AddProperty declares one property to check.
func (m *Model) AddProperty(expectation Expectation, name string, pred func(m *Model, s *SystemState) bool) {
	m.Properties = append(m.Properties, Property{
		Expectation: expectation,
		Name:        name,
		Pred:        pred,
	})
}

// Init runs every actor's OnStart and collects the resulting global state.
// Startup effects of actor i are queued before those of actor i+1.
func (m *Model) Init() (state *SystemState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("startup: %w", recoveredError(r))
		}
	}()

	state = &SystemState{
		Actors:  make([]State, len(m.Actors)),
		Network: m.Network,
		Timers:  make([]bool, len(m.Actors)),
	}
	for i, actor := range m.Actors {
		o := NewOut(Id(i))
		state.Actors[i] = actor.OnStart(Id(i), o)
		state.applyOut(Id(i), o)
	}
	return state, nil
}

// StepError is a handler fault raised while taking one step. It aborts that
// step only; sibling steps of the same state still produce successors.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %v: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Next enumerates every successor of the given state: one per deliverable
// envelope plus one per armed timer. An empty result with no faults means
// the state is terminal.
func (m *Model) Next(state *SystemState) ([]Successor, []*StepError) {
	var succs []Successor
	var faults []*StepError
	for _, env := range state.Network.Deliverable() {
		step := Step{Actor: env.Dst, Env: env}
		next, err := m.deliver(state, env)
		if err != nil {
			faults = append(faults, &StepError{Step: step, Err: err})
			continue
		}
		succs = append(succs, Successor{Step: step, State: next})
	}
	for i, armed := range state.Timers {
		if !armed {
			continue
		}
		step := Step{Timeout: true, Actor: Id(i)}
		next, err := m.fireTimer(state, Id(i))
		if err != nil {
			faults = append(faults, &StepError{Step: step, Err: err})
			continue
		}
		succs = append(succs, Successor{Step: step, State: next})
	}
	return succs, faults
}

func (m *Model) deliver(state *SystemState, env Envelope) (next *SystemState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()

	dst := int(env.Dst)
	if dst < 0 || dst >= len(m.Actors) {
		// Addressed outside the actor set: consume without effect.
		next = state.clone()
		next.Network = next.Network.Deliver(env)
		return next, nil
	}

	next = state.clone()
	next.Network = next.Network.Deliver(env)
	o := NewOut(env.Dst)
	newState, changed := m.Actors[dst].OnMsg(env.Dst, state.Actors[dst], env.Src, env.Msg, o)
	if changed {
		next.Actors[dst] = newState
	}
	next.applyOut(env.Dst, o)
	return next, nil
}

func (m *Model) fireTimer(state *SystemState, id Id) (next *SystemState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()

	next = state.clone()
	next.Timers[id] = false
	o := NewOut(id)
	newState, changed := m.Actors[id].OnTimeout(id, state.Actors[id], o)
	if changed {
		next.Actors[id] = newState
	}
	next.applyOut(id, o)
	return next, nil
}

func recoveredError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("handler fault: %w", err)
	}
	return fmt.Errorf("handler fault: %v", r)
}

func (s *SystemState) clone() *SystemState {
	actors := make([]State, len(s.Actors))
	copy(actors, s.Actors)
	timers := make([]bool, len(s.Timers))
	copy(timers, s.Timers)
	return &SystemState{Actors: actors, Network: s.Network, Timers: timers}
}

func (s *SystemState) applyOut(self Id, o *Out) {
	for _, env := range o.Envelopes {
		s.Network = s.Network.Send(env)
	}
	if o.timerSet {
		s.Timers[self] = o.TimerArmed
	}
}
