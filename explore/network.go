package explore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"
	"github.com/segmentio/fasthash/fnv1a"
)

// Network is the multiset of pending messages. Implementations are
// persistent: Send and Deliver return a new network value, sharing structure
// with the receiver, which is never mutated. The engine owns every network
// value; actors interact with it only through Out.
type Network interface {
	// Send adds one envelope to the pending set.
	Send(env Envelope) Network
	// Deliverable returns the distinct envelopes a step may deliver next.
	// The slice is in a deterministic order for a given network value.
	Deliverable() []Envelope
	// Deliver removes one deliverable envelope, previously returned by
	// Deliverable.
	Deliver(env Envelope) Network
	// Len is the number of pending envelopes, counting duplicates.
	Len() int
	Fingerprint() uint64
}

type pair struct {
	Src, Dst Id
}

type pairHasher struct{}

var _ immutable.Hasher[pair] = pairHasher{}

func (pairHasher) Hash(p pair) uint32 {
	h := fnv1a.Init32
	h = fnv1a.AddUint32(h, uint32(p.Src))
	h = fnv1a.AddUint32(h, uint32(p.Dst))
	return h
}

func (pairHasher) Equal(a, b pair) bool {
	return a == b
}

// OrderedNetwork preserves per-sender-per-receiver order: of all messages
// pending between one (src, dst) pair, only the oldest is deliverable.
// Messages between distinct pairs interleave freely. No loss, no duplication.
type OrderedNetwork struct {
	queues *immutable.Map[pair, []Envelope]
}

var _ Network = OrderedNetwork{}

func NewOrderedNetwork() OrderedNetwork {
	return OrderedNetwork{queues: immutable.NewMap[pair, []Envelope](pairHasher{})}
}

func (n OrderedNetwork) Send(env Envelope) Network {
	p := pair{Src: env.Src, Dst: env.Dst}
	q, _ := n.queues.Get(p)
	nq := make([]Envelope, len(q), len(q)+1)
	copy(nq, q)
	nq = append(nq, env)
	return OrderedNetwork{queues: n.queues.Set(p, nq)}
}

func (n OrderedNetwork) Deliverable() []Envelope {
	var out []Envelope
	it := n.queues.Iterator()
	for !it.Done() {
		_, q, _ := it.Next()
		if len(q) > 0 {
			out = append(out, q[0])
		}
	}
	sortEnvelopes(out)
	return out
}

func (n OrderedNetwork) Deliver(env Envelope) Network {
	p := pair{Src: env.Src, Dst: env.Dst}
	q, ok := n.queues.Get(p)
	if !ok || len(q) == 0 {
		panic(fmt.Errorf("%w: deliver of absent envelope %v", ErrSearch, env))
	}
	if len(q) == 1 {
		return OrderedNetwork{queues: n.queues.Delete(p)}
	}
	return OrderedNetwork{queues: n.queues.Set(p, q[1:])}
}

func (n OrderedNetwork) Len() int {
	count := 0
	it := n.queues.Iterator()
	for !it.Done() {
		_, q, _ := it.Next()
		count += len(q)
	}
	return count
}

func (n OrderedNetwork) Fingerprint() uint64 {
	// XOR across pairs so map iteration order cannot leak in; fold within a
	// queue, where order is meaningful.
	var hash uint64
	it := n.queues.Iterator()
	for !it.Done() {
		p, q, _ := it.Next()
		h := fnv1a.Init64
		h = fnv1a.AddUint64(h, uint64(p.Src))
		h = fnv1a.AddUint64(h, uint64(p.Dst))
		for _, env := range q {
			h = fnv1a.AddUint64(h, env.Msg.Fingerprint())
		}
		hash ^= h
	}
	return fnv1a.HashUint64(hash)
}

func (n OrderedNetwork) String() string {
	return networkString(n)
}

// UnorderedNetwork delivers any pending message next, modelling arbitrary
// reordering between every sender/receiver pair. No loss, no duplication.
type UnorderedNetwork struct {
	pending *immutable.Map[uint64, unorderedEntry]
}

type unorderedEntry struct {
	Env   Envelope
	Count int
}

var _ Network = UnorderedNetwork{}

func NewUnorderedNetwork() UnorderedNetwork {
	return UnorderedNetwork{pending: immutable.NewMap[uint64, unorderedEntry](nil)}
}

func (n UnorderedNetwork) Send(env Envelope) Network {
	fp := env.Fingerprint()
	entry, ok := n.pending.Get(fp)
	if !ok {
		entry = unorderedEntry{Env: env}
	}
	entry.Count++
	return UnorderedNetwork{pending: n.pending.Set(fp, entry)}
}

func (n UnorderedNetwork) Deliverable() []Envelope {
	var out []Envelope
	it := n.pending.Iterator()
	for !it.Done() {
		_, entry, _ := it.Next()
		out = append(out, entry.Env)
	}
	sortEnvelopes(out)
	return out
}

func (n UnorderedNetwork) Deliver(env Envelope) Network {
	fp := env.Fingerprint()
	entry, ok := n.pending.Get(fp)
	if !ok {
		panic(fmt.Errorf("%w: deliver of absent envelope %v", ErrSearch, env))
	}
	if entry.Count == 1 {
		return UnorderedNetwork{pending: n.pending.Delete(fp)}
	}
	entry.Count--
	return UnorderedNetwork{pending: n.pending.Set(fp, entry)}
}

func (n UnorderedNetwork) Len() int {
	count := 0
	it := n.pending.Iterator()
	for !it.Done() {
		_, entry, _ := it.Next()
		count += entry.Count
	}
	return count
}

func (n UnorderedNetwork) Fingerprint() uint64 {
	var hash uint64
	it := n.pending.Iterator()
	for !it.Done() {
		fp, entry, _ := it.Next()
		h := fnv1a.Init64
		h = fnv1a.AddUint64(h, fp)
		h = fnv1a.AddUint64(h, uint64(entry.Count))
		hash ^= h
	}
	return fnv1a.HashUint64(hash)
}

func (n UnorderedNetwork) String() string {
	return networkString(n)
}

func sortEnvelopes(envs []Envelope) {
	sort.Slice(envs, func(i, j int) bool {
		a, b := envs[i], envs[j]
		if a.Src != b.Src {
			return a.Src < b.Src
		}
		if a.Dst != b.Dst {
			return a.Dst < b.Dst
		}
		return a.Msg.Fingerprint() < b.Msg.Fingerprint()
	})
}

func networkString(n Network) string {
	envs := n.Deliverable()
	b := strings.Builder{}
	b.WriteString("network[")
	for i, env := range envs {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(env.String())
	}
	b.WriteString("]")
	return b.String()
}
