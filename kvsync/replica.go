package kvsync

import (
	"fmt"

	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

// SyncStrategy selects how a replica disseminates local mutations. It is
// fixed at construction for the whole run.
type SyncStrategy int

const (
	// SyncViaChanges exports the latest local change after each mutation and
	// broadcasts it verbatim to every peer.
	SyncViaChanges SyncStrategy = iota
	// SyncViaMessages runs the document engine's incremental two-party sync:
	// after each mutation the replica offers a sync message to every peer,
	// and receipt of a sync message provokes at most one reply.
	SyncViaMessages
)

func (s SyncStrategy) String() string {
	switch s {
	case SyncViaChanges:
		return "changes"
	case SyncViaMessages:
		return "messages"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseSyncStrategy maps the configuration strings to a SyncStrategy.
func ParseSyncStrategy(s string) (SyncStrategy, error) {
	switch s {
	case "changes":
		return SyncViaChanges, nil
	case "messages":
		return SyncViaMessages, nil
	default:
		return 0, fmt.Errorf("unknown sync strategy %q (want changes or messages)", s)
	}
}

// Replica is one cluster member. Its state is the document it owns, keyed by
// its own actor id; everything else here is fixed configuration.
type Replica struct {
	Peers       []explore.Id
	Strategy    SyncStrategy
	MessageAcks bool
	ObjectKind  doc.Kind
}

func (r *Replica) OnStart(self explore.Id, o *explore.Out) explore.State {
	return doc.New(uint64(self), r.ObjectKind)
}

func (r *Replica) OnMsg(self explore.Id, state explore.State, src explore.Id, msg Message, o *explore.Out) (explore.State, bool) {
	d := state.(*doc.Document)
	switch m := msg.(type) {
	case PutRequest:
		nd := d.Put(m.Key, m.Value)
		if r.MessageAcks {
			o.Send(src, PutOk{ID: m.ID})
		}
		nd = r.disseminate(nd, o)
		return nd, nd != d

	case DeleteRequest:
		var nd *doc.Document
		if r.ObjectKind == doc.KindList {
			nd = d.DeleteAt(m.Index)
		} else {
			nd = d.Delete(m.Key)
		}
		if r.MessageAcks {
			o.Send(src, DeleteOk{ID: m.ID})
		}
		nd = r.disseminate(nd, o)
		return nd, nd != d

	case InsertRequest:
		nd := d.Insert(m.Index, m.Value)
		if r.MessageAcks {
			o.Send(src, InsertOk{ID: m.ID})
		}
		nd = r.disseminate(nd, o)
		return nd, nd != d

	case GetRequest:
		var value string
		var ok bool
		if r.ObjectKind == doc.KindList {
			value, ok = d.GetAt(m.Index)
		} else {
			value, ok = d.Get(m.Key)
		}
		// A read miss is a valid, silent outcome.
		if ok && r.MessageAcks {
			o.Send(src, GetOk{ID: m.ID, Value: value})
		}
		return state, false

	case SyncMsg:
		nd, err := d.ReceiveSyncMessage(uint64(src), m.Bytes)
		if err != nil {
			// Malformed sync payloads mean a protocol bug, not a runtime
			// condition; surface to the engine as an execution fault.
			panic(err)
		}
		nd, reply := nd.GenerateSyncMessage(uint64(src))
		if reply != nil {
			o.Send(src, SyncMsg{Bytes: reply})
		}
		return nd, true

	case SyncChange:
		nd, err := d.ApplyChange(m.Bytes)
		if err != nil {
			panic(err)
		}
		return nd, true

	case PutOk, GetOk, DeleteOk, InsertOk:
		// Replicas never expect acknowledgements.
		return state, false

	default:
		return state, false
	}
}

func (r *Replica) OnTimeout(self explore.Id, state explore.State, o *explore.Out) (explore.State, bool) {
	// No timeouts in this protocol. A periodic re-sync strategy would hook
	// in here.
	return state, false
}

// disseminate is the single point where the sync strategy branches: export
// and broadcast the last change, or offer an incremental sync message to
// each peer. Peers with nothing to receive get nothing.
func (r *Replica) disseminate(d *doc.Document, o *explore.Out) *doc.Document {
	switch r.Strategy {
	case SyncViaChanges:
		if change := d.LastLocalChange(); change != nil {
			o.Broadcast(r.Peers, SyncChange{Bytes: change})
		}
		return d
	case SyncViaMessages:
		for _, peer := range r.Peers {
			nd, msg := d.GenerateSyncMessage(uint64(peer))
			if msg != nil {
				o.Send(peer, SyncMsg{Bytes: msg})
			}
			d = nd
		}
		return d
	default:
		panic(fmt.Errorf("unknown sync strategy %v", r.Strategy))
	}
}
