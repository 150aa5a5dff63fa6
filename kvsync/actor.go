package kvsync

import (
	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

// SystemActor is the tagged union over the two actor kinds the model runs.
// Exactly one branch is set, enforced by the constructors; each kind's state
// is built by its own OnStart, so a client can never end up holding replica
// state or vice versa. Should a mismatched pairing arrive anyway, dispatch
// degrades to a silent no-op rather than a fault.
type SystemActor struct {
	client  *Client
	replica *Replica
}

var _ explore.Actor = &SystemActor{}

func NewClientActor(c *Client) *SystemActor {
	return &SystemActor{client: c}
}

func NewReplicaActor(r *Replica) *SystemActor {
	return &SystemActor{replica: r}
}

func (a *SystemActor) OnStart(self explore.Id, o *explore.Out) explore.State {
	if a.replica != nil {
		return a.replica.OnStart(self, o)
	}
	return a.client.OnStart(self, o)
}

func (a *SystemActor) OnMsg(self explore.Id, state explore.State, src explore.Id, msg explore.Message, o *explore.Out) (explore.State, bool) {
	m, ok := msg.(Message)
	if !ok {
		return state, false
	}
	if a.replica != nil {
		if d, ok := state.(*doc.Document); ok {
			return a.replica.OnMsg(self, d, src, m, o)
		}
		return state, false
	}
	if _, ok := state.(clientState); ok {
		return a.client.OnMsg(self, state, src, m, o)
	}
	return state, false
}

func (a *SystemActor) OnTimeout(self explore.Id, state explore.State, o *explore.Out) (explore.State, bool) {
	if a.replica != nil {
		if d, ok := state.(*doc.Document); ok {
			return a.replica.OnTimeout(self, d, o)
		}
	}
	return state, false
}
