package explore

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Checker exhaustively explores a model's reachable state space, evaluating
// every declared property. States are deduplicated by 64-bit fingerprint.
type Checker struct {
	model   *Model
	store   StateStore
	workers int
	logger  log.Logger
}

type CheckerOption func(*Checker)

// WithStore substitutes the visited-fingerprint store; the default is an
// in-memory set.
func WithStore(store StateStore) CheckerOption {
	return func(c *Checker) {
		c.store = store
	}
}

// WithWorkers sets how many goroutines expand each BFS frontier. DFS is
// always sequential.
func WithWorkers(n int) CheckerOption {
	return func(c *Checker) {
		c.workers = n
	}
}

func WithLogger(logger log.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

func NewChecker(model *Model, opts ...CheckerOption) (*Checker, error) {
	c := &Checker{
		model:   model,
		store:   NewMemoryStore(),
		workers: runtime.NumCPU(),
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers < 1 {
		return nil, fmt.Errorf("%w: worker count %d < 1", ErrSearch, c.workers)
	}
	return c, nil
}

// Trace is one path of steps from the initial state.
type Trace struct {
	Steps []Step
}

func (t *Trace) String() string {
	b := strings.Builder{}
	for i, step := range t.Steps {
		fmt.Fprintf(&b, "  %3d. %v\n", i+1, step)
	}
	return b.String()
}

// Replay re-executes the trace from the model's initial state, returning
// every intermediate global state, initial state first.
func (t *Trace) Replay(m *Model) ([]*SystemState, error) {
	state, err := m.Init()
	if err != nil {
		return nil, err
	}
	states := []*SystemState{state}
	for _, step := range t.Steps {
		succs, faults := m.Next(state)
		var next *SystemState
		for _, succ := range succs {
			if stepEqual(succ.Step, step) {
				next = succ.State
				break
			}
		}
		if next == nil {
			for _, fault := range faults {
				if stepEqual(fault.Step, step) {
					return states, fault
				}
			}
			return nil, fmt.Errorf("%w: trace step %v not reproducible", ErrSearch, step)
		}
		state = next
		states = append(states, state)
	}
	return states, nil
}

// stepEqual compares steps without comparing message values directly, since
// messages may hold non-comparable payloads.
func stepEqual(a, b Step) bool {
	if a.Timeout != b.Timeout || a.Actor != b.Actor {
		return false
	}
	if a.Timeout {
		return true
	}
	return a.Env.Fingerprint() == b.Env.Fingerprint()
}

// PropertyResult is the verdict for one property over the explored space.
type PropertyResult struct {
	Property       Property
	Holds          bool
	Counterexample *Trace
}

// ExecError is a handler fault encountered mid-search, surfaced with the
// trace leading to it. It is distinct from a property violation: it means a
// protocol-layer bug made a step unexecutable, not that a declared property
// failed.
type ExecError struct {
	Err   error
	Trace *Trace
}

func (e *ExecError) Error() string {
	return e.Err.Error()
}

// Result is the outcome of one exhaustive check.
type Result struct {
	RunID         string
	StatesVisited int
	Transitions   int
	MaxDepth      int
	Properties    []PropertyResult
	ExecErrors    []*ExecError
}

// Err aggregates every failed property and execution fault into one error,
// nil when the check passed cleanly.
func (r *Result) Err() error {
	var err error
	for _, pr := range r.Properties {
		if !pr.Holds {
			err = multierr.Append(err, fmt.Errorf("property %q (%v) violated", pr.Property.Name, pr.Property.Expectation))
		}
	}
	for _, ee := range r.ExecErrors {
		err = multierr.Append(err, ee)
	}
	return err
}

type link struct {
	parent    uint64
	step      Step
	hasParent bool
}

type frontierEntry struct {
	state *SystemState
	fp    uint64
	depth int
}

// search carries the shared bookkeeping of one exhaustive run.
type search struct {
	c      *Checker
	links  map[uint64]link
	result *Result

	mu sync.Mutex
}

// CheckBFS explores breadth-first, so reported counterexamples are minimal.
func (c *Checker) CheckBFS() (*Result, error) {
	s, frontier, err := c.begin()
	if err != nil {
		return nil, err
	}

	for len(frontier) > 0 {
		next, err := c.expandLevel(s, frontier)
		if err != nil {
			return nil, err
		}
		frontier = next
		level.Debug(c.logger).Log(
			"msg", "bfs level expanded",
			"frontier", len(frontier),
			"visited", c.store.Count())
	}
	return c.finish(s)
}

// CheckDFS explores depth-first. It visits the same states as CheckBFS but
// counterexample traces are not guaranteed minimal.
func (c *Checker) CheckDFS() (*Result, error) {
	s, stack, err := c.begin()
	if err != nil {
		return nil, err
	}

	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		discovered, err := c.expand(s, entry)
		if err != nil {
			return nil, err
		}
		stack = append(stack, discovered...)
	}
	return c.finish(s)
}

func (c *Checker) begin() (*search, []frontierEntry, error) {
	init, err := c.model.Init()
	if err != nil {
		return nil, nil, err
	}
	s := &search{
		c:     c,
		links: make(map[uint64]link),
		result: &Result{
			RunID:      uuid.NewString(),
			Properties: make([]PropertyResult, len(c.model.Properties)),
		},
	}
	for i, prop := range c.model.Properties {
		s.result.Properties[i] = PropertyResult{Property: prop, Holds: true}
	}

	fp := init.Fingerprint()
	if _, err := c.store.Add(fp); err != nil {
		return nil, nil, err
	}
	s.links[fp] = link{}
	s.checkAlways(init, fp)
	return s, []frontierEntry{{state: init, fp: fp}}, nil
}

func (c *Checker) finish(s *search) (*Result, error) {
	s.result.StatesVisited = c.store.Count()
	return s.result, nil
}

// expandLevel produces the next BFS frontier, splitting the current one
// across the configured worker count.
func (c *Checker) expandLevel(s *search, frontier []frontierEntry) ([]frontierEntry, error) {
	if c.workers == 1 || len(frontier) == 1 {
		var next []frontierEntry
		for _, entry := range frontier {
			discovered, err := c.expand(s, entry)
			if err != nil {
				return nil, err
			}
			next = append(next, discovered...)
		}
		return next, nil
	}

	workers := c.workers
	if workers > len(frontier) {
		workers = len(frontier)
	}
	chunks := make([][]frontierEntry, workers)
	for i, entry := range frontier {
		chunks[i%workers] = append(chunks[i%workers], entry)
	}

	next := make([][]frontierEntry, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for _, entry := range chunks[w] {
				discovered, err := c.expand(s, entry)
				if err != nil {
					return err
				}
				next[w] = append(next[w], discovered...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []frontierEntry
	for _, part := range next {
		merged = append(merged, part...)
	}
	return merged, nil
}

// expand takes every step out of one state, recording faults, newly
// discovered states, and property verdicts.
func (c *Checker) expand(s *search, entry frontierEntry) ([]frontierEntry, error) {
	succs, faults := c.model.Next(entry.state)
	for _, fault := range faults {
		s.recordFault(entry, fault)
	}
	if len(succs) == 0 && len(faults) == 0 {
		s.checkEventually(entry)
		return nil, nil
	}

	var discovered []frontierEntry
	for _, succ := range succs {
		fp := succ.State.Fingerprint()
		seen, err := s.addVisited(entry, succ, fp)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		s.checkAlways(succ.State, fp)
		discovered = append(discovered, frontierEntry{
			state: succ.State,
			fp:    fp,
			depth: entry.depth + 1,
		})
	}
	return discovered, nil
}

func (s *search) addVisited(parent frontierEntry, succ Successor, fp uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result.Transitions++
	seen, err := s.c.store.Add(fp)
	if err != nil {
		return false, err
	}
	if !seen {
		s.links[fp] = link{parent: parent.fp, step: succ.Step, hasParent: true}
		if parent.depth+1 > s.result.MaxDepth {
			s.result.MaxDepth = parent.depth + 1
		}
	}
	return seen, nil
}

func (s *search) recordFault(entry frontierEntry, fault *StepError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace := s.traceTo(entry.fp)
	trace.Steps = append(trace.Steps, fault.Step)
	s.result.ExecErrors = append(s.result.ExecErrors, &ExecError{Err: fault, Trace: trace})
}

// checkAlways evaluates every Always property against a newly visited state,
// keeping the first counterexample per property.
func (s *search) checkAlways(state *SystemState, fp uint64) {
	for i := range s.result.Properties {
		pr := &s.result.Properties[i]
		if pr.Property.Expectation != Always {
			continue
		}
		if pr.Property.Pred(s.c.model, state) {
			continue
		}
		s.mu.Lock()
		if pr.Holds {
			pr.Holds = false
			pr.Counterexample = s.traceTo(fp)
		}
		s.mu.Unlock()
	}
}

// checkEventually evaluates every Eventually property against a terminal
// state: a terminal state that still fails the predicate can never satisfy
// it, which refutes "eventually" on the path leading there.
func (s *search) checkEventually(entry frontierEntry) {
	for i := range s.result.Properties {
		pr := &s.result.Properties[i]
		if pr.Property.Expectation != Eventually {
			continue
		}
		if pr.Property.Pred(s.c.model, entry.state) {
			continue
		}
		s.mu.Lock()
		if pr.Holds {
			pr.Holds = false
			pr.Counterexample = s.traceTo(entry.fp)
		}
		s.mu.Unlock()
	}
}

// traceTo rebuilds the discovery path of a visited state. Callers must hold
// s.mu or be running before any worker starts.
func (s *search) traceTo(fp uint64) *Trace {
	var reversed []Step
	for {
		l, ok := s.links[fp]
		if !ok || !l.hasParent {
			break
		}
		reversed = append(reversed, l.step)
		fp = l.parent
	}
	steps := make([]Step, len(reversed))
	for i, step := range reversed {
		steps[len(steps)-1-i] = step
	}
	return &Trace{Steps: steps}
}
