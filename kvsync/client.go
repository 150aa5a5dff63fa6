package kvsync

import (
	"fmt"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

// RequestKind selects which request constructor a client generates.
type RequestKind int

const (
	RequestPut RequestKind = iota
	RequestDelete
	RequestInsert
)

func (k RequestKind) String() string {
	switch k {
	case RequestPut:
		return "put"
	case RequestDelete:
		return "delete"
	case RequestInsert:
		return "insert"
	default:
		return fmt.Sprintf("request(%d)", int(k))
	}
}

// defaultKey is the single map key the client workloads contend on.
const defaultKey = "key"

// Client emits a fixed number of requests of one kind toward one target
// replica at startup, then stays inert apart from optional follow-up reads.
// Clients carry no mutable state: everything here is configuration.
type Client struct {
	Kind         RequestKind
	Count        int
	Target       explore.Id
	FollowUpGets bool
	ObjectKind   doc.Kind
}

// clientState is the unit state shared by every client.
type clientState struct{}

func (clientState) Fingerprint() uint64 {
	return fnv1a.HashUint64(0x636c69656e74) // "client"
}

func (clientState) String() string {
	return "client{}"
}

func (c *Client) OnStart(self explore.Id, o *explore.Out) explore.State {
	for i := 0; i < c.Count; i++ {
		o.Send(c.Target, c.request(i))
	}
	return clientState{}
}

// request derives the i-th request deterministically, so the client needs no
// memory of what it sent. Ids 0..Count-1 are writes; follow-up reads use the
// disjoint range Count..2*Count-1.
func (c *Client) request(i int) Message {
	id := RequestID(i)
	switch c.Kind {
	case RequestPut:
		return PutRequest{ID: id, Key: defaultKey, Value: fmt.Sprintf("v%d", i+1)}
	case RequestDelete:
		if c.ObjectKind == doc.KindList {
			return DeleteRequest{ID: id, Index: 0}
		}
		return DeleteRequest{ID: id, Key: defaultKey}
	case RequestInsert:
		return InsertRequest{ID: id, Index: i, Value: fmt.Sprintf("v%d", i+1)}
	default:
		panic(fmt.Errorf("unknown request kind %v", c.Kind))
	}
}

func (c *Client) OnMsg(self explore.Id, state explore.State, src explore.Id, msg Message, o *explore.Out) (explore.State, bool) {
	if !c.FollowUpGets {
		// Acknowledgements are observed for property checking only.
		return state, false
	}
	switch m := msg.(type) {
	case PutOk:
		o.Send(src, GetRequest{ID: m.ID + RequestID(c.Count), Key: defaultKey})
	case DeleteOk:
		if c.ObjectKind == doc.KindList {
			o.Send(src, GetRequest{ID: m.ID + RequestID(c.Count), Index: 0})
		} else {
			o.Send(src, GetRequest{ID: m.ID + RequestID(c.Count), Key: defaultKey})
		}
	case InsertOk:
		o.Send(src, GetRequest{ID: m.ID + RequestID(c.Count), Index: int(m.ID)})
	}
	return state, false
}

func (c *Client) OnTimeout(self explore.Id, state explore.State, o *explore.Out) (explore.State, bool) {
	// Clients never arm timers.
	return state, false
}
