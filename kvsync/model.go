package kvsync

import (
	"fmt"

	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

// NetworkKind selects the delivery-order guarantee the model is checked
// under.
type NetworkKind int

const (
	// NetworkOrdered preserves per-sender-per-receiver order (the default).
	NetworkOrdered NetworkKind = iota
	// NetworkUnordered allows arbitrary reordering.
	NetworkUnordered
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkOrdered:
		return "ordered"
	case NetworkUnordered:
		return "unordered"
	default:
		return fmt.Sprintf("network(%d)", int(k))
	}
}

// ParseNetworkKind maps the configuration strings to a NetworkKind.
func ParseNetworkKind(s string) (NetworkKind, error) {
	switch s {
	case "ordered":
		return NetworkOrdered, nil
	case "unordered":
		return NetworkUnordered, nil
	default:
		return 0, fmt.Errorf("unknown network kind %q (want ordered or unordered)", s)
	}
}

// Config describes one model: the cluster shape, the client workloads, and
// the protocol options under test.
type Config struct {
	Servers           int
	PutClients        int
	DeleteClients     int
	InsertClients     int
	RequestsPerClient int

	Strategy     SyncStrategy
	ObjectKind   doc.Kind
	Network      NetworkKind
	MessageAcks  bool
	FollowUpGets bool
}

// Validate rejects configurations before any actor is constructed.
func (c Config) Validate() error {
	if c.Servers < 1 {
		return fmt.Errorf("need at least one server, got %d", c.Servers)
	}
	if c.PutClients < 0 || c.DeleteClients < 0 || c.InsertClients < 0 {
		return fmt.Errorf("client counts must be non-negative")
	}
	if c.RequestsPerClient < 0 {
		return fmt.Errorf("requests per client must be non-negative, got %d", c.RequestsPerClient)
	}
	if c.PutClients > 0 && c.ObjectKind != doc.KindMap {
		return fmt.Errorf("put clients require the map object kind")
	}
	if c.InsertClients > 0 && c.ObjectKind != doc.KindList {
		return fmt.Errorf("insert clients require the list object kind")
	}
	return nil
}

// modelPeers lists every replica id except self: the full mesh topology.
func modelPeers(self, servers int) []explore.Id {
	var peers []explore.Id
	for i := 0; i < servers; i++ {
		if i != self {
			peers = append(peers, explore.Id(i))
		}
	}
	return peers
}

// BuildModel assembles the actor set and registers the correctness
// properties. Replicas take ids 0..Servers-1; clients follow, each bound to
// the target replica clientOrdinal mod Servers.
func BuildModel(c Config) (*explore.Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var network explore.Network
	switch c.Network {
	case NetworkOrdered:
		network = explore.NewOrderedNetwork()
	case NetworkUnordered:
		network = explore.NewUnorderedNetwork()
	default:
		return nil, fmt.Errorf("unknown network kind %v", c.Network)
	}

	m := explore.NewModel(network)
	for i := 0; i < c.Servers; i++ {
		m.AddActor(NewReplicaActor(&Replica{
			Peers:       modelPeers(i, c.Servers),
			Strategy:    c.Strategy,
			MessageAcks: c.MessageAcks,
			ObjectKind:  c.ObjectKind,
		}))
	}

	clientOrdinal := 0
	addClients := func(count int, kind RequestKind) {
		for i := 0; i < count; i++ {
			m.AddActor(NewClientActor(&Client{
				Kind:         kind,
				Count:        c.RequestsPerClient,
				Target:       explore.Id(clientOrdinal % c.Servers),
				FollowUpGets: c.FollowUpGets,
				ObjectKind:   c.ObjectKind,
			}))
			clientOrdinal++
		}
	}
	addClients(c.PutClients, RequestPut)
	addClients(c.DeleteClients, RequestDelete)
	addClients(c.InsertClients, RequestInsert)

	m.AddProperty(explore.Eventually, "replicas converge",
		func(_ *explore.Model, s *explore.SystemState) bool {
			return allReplicasAgree(s)
		})
	m.AddProperty(explore.Always, "quiescent sync implies agreement",
		func(_ *explore.Model, s *explore.SystemState) bool {
			return syncPendingOrAgreed(s)
		})
	return m, nil
}

// allReplicasAgree compares every pair of replica documents by observable
// content. Client states compare vacuously true.
func allReplicasAgree(s *explore.SystemState) bool {
	var prev *doc.Document
	for _, state := range s.Actors {
		d, ok := state.(*doc.Document)
		if !ok {
			continue
		}
		if prev != nil && !prev.ContentEqual(d) {
			return false
		}
		prev = d
	}
	return true
}

// syncPendingOrAgreed holds when synchronization traffic is still in flight,
// or all replicas already agree. Its violation is the primary bug signal:
// the system went quiet without converging. Pending client messages do not
// excuse disagreement. Internal messages only travel between replicas and
// client messages only between a client and a replica, so on an ordered
// network every in-flight internal message is at the head of its pair's
// queue and therefore visible among the deliverable set.
func syncPendingOrAgreed(s *explore.SystemState) bool {
	for _, env := range s.Network.Deliverable() {
		switch env.Msg.(type) {
		case SyncMsg, SyncChange:
			return true
		}
	}
	return allReplicasAgree(s)
}
