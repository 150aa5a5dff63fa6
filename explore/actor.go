// Package explore implements exhaustive exploration of actor systems.
//
// An actor system is a fixed set of actors exchanging messages through a
// pending-message network. Every handler must be a pure function of local
// state and the incoming message: the engine owns all nondeterminism, which
// consists entirely of choosing the next deliverable envelope (or armed
// timer) at each step. Given that purity, the engine can enumerate every
// reachable global state, deduplicate revisits by fingerprint, and evaluate
// declared properties over the whole space.
package explore

import (
	"fmt"

	"github.com/segmentio/fasthash/fnv1a"
)

// Id identifies one actor in the system, as an index into the model's actor
// list. Ids are fixed for the lifetime of a run.
type Id int

func (id Id) String() string {
	return fmt.Sprintf("actor(%d)", int(id))
}

// Message is implemented by every message type an actor system exchanges.
// Fingerprint must be a pure function of the message contents.
type Message interface {
	Fingerprint() uint64
}

// State is implemented by every actor state type. Fingerprint must cover all
// state that can influence future handler behaviour; two states with equal
// fingerprints are treated as identical by the search.
type State interface {
	Fingerprint() uint64
}

// Actor is one deterministic state machine in the system.
//
// OnMsg and OnTimeout return the successor state together with a changed
// flag. Returning false asserts the state is untouched, letting the engine
// reuse the previous state value instead of re-fingerprinting it.
type Actor interface {
	OnStart(self Id, o *Out) State
	OnMsg(self Id, state State, src Id, msg Message, o *Out) (State, bool)
	OnTimeout(self Id, state State, o *Out) (State, bool)
}

// Envelope is one message in flight from Src to Dst.
type Envelope struct {
	Src, Dst Id
	Msg      Message
}

func (e Envelope) Fingerprint() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddUint64(h, uint64(e.Src))
	h = fnv1a.AddUint64(h, uint64(e.Dst))
	h = fnv1a.AddUint64(h, e.Msg.Fingerprint())
	return h
}

func (e Envelope) String() string {
	return fmt.Sprintf("%v -> %v: %v", e.Src, e.Dst, e.Msg)
}

// Out buffers the side effects of a single handler invocation. Envelopes are
// kept in emission order; the engine transfers them to the network after the
// handler returns.
type Out struct {
	self       Id
	Envelopes  []Envelope
	TimerArmed bool
	timerSet   bool
}

// NewOut returns an effect buffer for the given actor. Handlers normally
// receive one from the engine; tests may construct their own.
func NewOut(self Id) *Out {
	return &Out{self: self}
}

// Send queues one message for delivery to dst.
func (o *Out) Send(dst Id, msg Message) {
	o.Envelopes = append(o.Envelopes, Envelope{Src: o.self, Dst: dst, Msg: msg})
}

// Broadcast queues one message for every listed destination, in order.
func (o *Out) Broadcast(dsts []Id, msg Message) {
	for _, dst := range dsts {
		o.Send(dst, msg)
	}
}

// SetTimer arms this actor's timer. The engine will offer an OnTimeout step
// in every state where the timer remains armed; firing disarms it.
func (o *Out) SetTimer() {
	o.TimerArmed = true
	o.timerSet = true
}

// ClearTimer disarms this actor's timer.
func (o *Out) ClearTimer() {
	o.TimerArmed = false
	o.timerSet = true
}

// Append moves all of other's effects into o, preserving order. Used by
// composite actors that delegate to an inner handler.
func (o *Out) Append(other *Out) {
	o.Envelopes = append(o.Envelopes, other.Envelopes...)
	if other.timerSet {
		o.TimerArmed = other.TimerArmed
		o.timerSet = true
	}
}
