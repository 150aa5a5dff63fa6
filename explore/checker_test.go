package explore

import (
	"errors"
	"testing"

	"github.com/segmentio/fasthash/fnv1a"
)

type testMsg struct {
	Tag string
}

func (m testMsg) Fingerprint() uint64 {
	return fnv1a.HashString64(m.Tag)
}

func (m testMsg) String() string {
	return m.Tag
}

// maskState records which tags arrived as a bitmask over tagBit.
type maskState uint64

func (s maskState) Fingerprint() uint64 {
	return fnv1a.HashUint64(uint64(s))
}

var tagBit = map[string]maskState{
	"a": 1,
	"b": 2,
	"c": 4,
}

var errBoom = errors.New("boom")

// emitter sends its tags to dst at startup, then stays inert.
type emitter struct {
	dst  Id
	tags []string
}

func (e *emitter) OnStart(self Id, o *Out) State {
	for _, tag := range e.tags {
		o.Send(e.dst, testMsg{Tag: tag})
	}
	return maskState(0)
}

func (e *emitter) OnMsg(self Id, state State, src Id, msg Message, o *Out) (State, bool) {
	return state, false
}

func (e *emitter) OnTimeout(self Id, state State, o *Out) (State, bool) {
	return state, false
}

// collector accumulates received tags; the "boom" tag faults the handler.
type collector struct{}

func (c *collector) OnStart(self Id, o *Out) State {
	return maskState(0)
}

func (c *collector) OnMsg(self Id, state State, src Id, msg Message, o *Out) (State, bool) {
	m := msg.(testMsg)
	if m.Tag == "boom" {
		panic(errBoom)
	}
	return state.(maskState) | tagBit[m.Tag], true
}

func (c *collector) OnTimeout(self Id, state State, o *Out) (State, bool) {
	return state, false
}

func received(s *SystemState, actor Id, tag string) bool {
	return s.Actors[actor].(maskState)&tagBit[tag] != 0
}

func emitterModel(network Network, tags ...string) *Model {
	m := NewModel(network)
	collectorId := Id(0)
	m.AddActor(&collector{})
	m.AddActor(&emitter{dst: collectorId, tags: tags})
	return m
}

func mustCheck(t *testing.T, m *Model, opts ...CheckerOption) *Result {
	t.Helper()
	c, err := NewChecker(m, opts...)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	result, err := c.CheckBFS()
	if err != nil {
		t.Fatalf("CheckBFS: %v", err)
	}
	return result
}

func TestCheckBFSOrderedChain(t *testing.T) {
	m := emitterModel(NewOrderedNetwork(), "a", "b")
	m.AddProperty(Eventually, "both arrive", func(_ *Model, s *SystemState) bool {
		return received(s, 0, "a") && received(s, 0, "b")
	})
	m.AddProperty(Always, "b never precedes a", func(_ *Model, s *SystemState) bool {
		return !received(s, 0, "b") || received(s, 0, "a")
	})

	result := mustCheck(t, m)
	// The ordered network admits exactly one interleaving.
	if result.StatesVisited != 3 {
		t.Errorf("visited %d states, expected 3", result.StatesVisited)
	}
	if result.Transitions != 2 {
		t.Errorf("took %d transitions, expected 2", result.Transitions)
	}
	if result.MaxDepth != 2 {
		t.Errorf("max depth %d, expected 2", result.MaxDepth)
	}
	if err := result.Err(); err != nil {
		t.Errorf("expected a clean result, got %v", err)
	}
}

func TestCheckBFSUnorderedInterleavings(t *testing.T) {
	m := emitterModel(NewUnorderedNetwork(), "a", "b")
	m.AddProperty(Eventually, "both arrive", func(_ *Model, s *SystemState) bool {
		return received(s, 0, "a") && received(s, 0, "b")
	})

	result := mustCheck(t, m)
	// {}, {a}, {b} and {a,b}: the two delivery orders join back up.
	if result.StatesVisited != 4 {
		t.Errorf("visited %d states, expected 4", result.StatesVisited)
	}
	if result.Transitions != 4 {
		t.Errorf("took %d transitions, expected 4", result.Transitions)
	}
	if err := result.Err(); err != nil {
		t.Errorf("expected a clean result, got %v", err)
	}
}

func TestCheckDFSVisitsSameStates(t *testing.T) {
	m := emitterModel(NewUnorderedNetwork(), "a", "b")
	c, err := NewChecker(m)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	result, err := c.CheckDFS()
	if err != nil {
		t.Fatalf("CheckDFS: %v", err)
	}
	if result.StatesVisited != 4 {
		t.Errorf("visited %d states, expected 4", result.StatesVisited)
	}
}

func TestCheckBFSMinimalCounterexample(t *testing.T) {
	m := emitterModel(NewUnorderedNetwork(), "a", "b")
	m.AddProperty(Always, "b never arrives", func(_ *Model, s *SystemState) bool {
		return !received(s, 0, "b")
	})

	result := mustCheck(t, m, WithWorkers(1))
	pr := result.Properties[0]
	if pr.Holds {
		t.Fatalf("expected the property to be violated")
	}
	if pr.Counterexample == nil {
		t.Fatalf("expected a counterexample trace")
	}
	// BFS must find the one-step path, not the a-then-b path.
	if len(pr.Counterexample.Steps) != 1 {
		t.Fatalf("counterexample has %d steps, expected 1:\n%v",
			len(pr.Counterexample.Steps), pr.Counterexample)
	}
	if tag := pr.Counterexample.Steps[0].Env.Msg.(testMsg).Tag; tag != "b" {
		t.Errorf("counterexample delivers %q, expected %q", tag, "b")
	}
}

func TestEventuallyRefutedAtTerminalState(t *testing.T) {
	m := emitterModel(NewOrderedNetwork(), "a")
	m.AddProperty(Eventually, "b arrives", func(_ *Model, s *SystemState) bool {
		return received(s, 0, "b")
	})

	result := mustCheck(t, m)
	pr := result.Properties[0]
	if pr.Holds {
		t.Fatalf("expected the property to be refuted")
	}
	if pr.Counterexample == nil {
		t.Fatalf("expected a counterexample trace")
	}

	states, err := pr.Counterexample.Replay(m)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(states) != len(pr.Counterexample.Steps)+1 {
		t.Errorf("replay produced %d states for %d steps",
			len(states), len(pr.Counterexample.Steps))
	}
	final := states[len(states)-1]
	if succs, faults := m.Next(final); len(succs) != 0 || len(faults) != 0 {
		t.Errorf("counterexample does not end in a terminal state")
	}
}

func TestHandlerPanicBecomesExecError(t *testing.T) {
	m := emitterModel(NewOrderedNetwork(), "boom")

	result := mustCheck(t, m)
	if len(result.ExecErrors) != 1 {
		t.Fatalf("got %d exec errors, expected 1", len(result.ExecErrors))
	}
	ee := result.ExecErrors[0]
	if !errors.Is(ee.Err, errBoom) {
		t.Errorf("fault lost its cause: %v", ee.Err)
	}
	if len(ee.Trace.Steps) != 1 {
		t.Errorf("fault trace has %d steps, expected 1", len(ee.Trace.Steps))
	}
	if err := result.Err(); err == nil {
		t.Errorf("expected the aggregate result to be an error")
	}
}

func TestTraceReplayRejectsBogusStep(t *testing.T) {
	m := emitterModel(NewOrderedNetwork(), "a")
	trace := &Trace{Steps: []Step{{
		Actor: 0,
		Env:   Envelope{Src: 1, Dst: 0, Msg: testMsg{Tag: "never sent"}},
	}}}
	if _, err := trace.Replay(m); !errors.Is(err, ErrSearch) {
		t.Errorf("got %v, expected ErrSearch", err)
	}
}

func TestNewCheckerRejectsBadWorkerCount(t *testing.T) {
	m := emitterModel(NewOrderedNetwork(), "a")
	if _, err := NewChecker(m, WithWorkers(0)); !errors.Is(err, ErrSearch) {
		t.Errorf("got %v, expected ErrSearch", err)
	}
}
