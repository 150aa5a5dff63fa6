// Package doc implements the conflict-free replicated document backing each
// replica: a key/value map or an ordered list, mutated locally and merged
// deterministically from remote changes.
//
// Every operation is pure by replacement: mutators return a new *Document
// and never touch the receiver, so an exhaustive search can branch from one
// document value many times without copying it defensively. Concurrent map
// writes resolve last-writer-wins on (Lamport timestamp, actor id); list
// inserts follow the RGA rule, skipping past newer siblings at the insertion
// point. Deletions tombstone rather than remove.
package doc

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/segmentio/fasthash/fnv1a"
)

// Kind selects the document's root object shape, fixed at construction.
type Kind int

const (
	KindMap Kind = iota
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps the configuration strings to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "map":
		return KindMap, nil
	case "list":
		return KindList, nil
	default:
		return 0, fmt.Errorf("unknown object kind %q (want map or list)", s)
	}
}

type actorHasher struct{}

var _ immutable.Hasher[uint64] = actorHasher{}

func (actorHasher) Hash(a uint64) uint32 {
	return fnv1a.HashUint32(uint32(a) ^ uint32(a>>32))
}

func (actorHasher) Equal(a, b uint64) bool {
	return a == b
}

type keyHasher struct{}

var _ immutable.Hasher[string] = keyHasher{}

func (keyHasher) Hash(k string) uint32 {
	return fnv1a.HashString32(k)
}

func (keyHasher) Equal(a, b string) bool {
	return a == b
}

type changeIDHasher struct{}

var _ immutable.Hasher[changeID] = changeIDHasher{}

func (changeIDHasher) Hash(id changeID) uint32 {
	h := fnv1a.Init32
	h = fnv1a.AddUint32(h, uint32(id.Actor)^uint32(id.Actor>>32))
	h = fnv1a.AddUint32(h, uint32(id.Seq)^uint32(id.Seq>>32))
	return h
}

func (changeIDHasher) Equal(a, b changeID) bool {
	return a == b
}

// register is one map entry: a last-writer-wins cell with a tombstone.
type register struct {
	Value   string
	Lamport uint64
	Actor   uint64
	Deleted bool
}

func (r register) beats(other register) bool {
	if r.Lamport != other.Lamport {
		return r.Lamport > other.Lamport
	}
	return r.Actor > other.Actor
}

type listElem struct {
	ID      ElemID
	Value   string
	Deleted bool
}

// Document is one replica's copy. The zero value is not usable; construct
// with New.
type Document struct {
	actor   uint64
	kind    Kind
	lamport uint64

	vv      *immutable.Map[uint64, uint64]
	regs    *immutable.Map[string, register]
	list    []listElem
	log     *immutable.Map[changeID, Change]
	pending *immutable.Map[changeID, Change]

	lastLocal *Change
	peers     *immutable.Map[uint64, peerCursor]
}

// New returns an empty document owned by the given actor.
func New(actor uint64, kind Kind) *Document {
	return &Document{
		actor:   actor,
		kind:    kind,
		vv:      immutable.NewMap[uint64, uint64](actorHasher{}),
		regs:    immutable.NewMap[string, register](keyHasher{}),
		log:     immutable.NewMap[changeID, Change](changeIDHasher{}),
		pending: immutable.NewMap[changeID, Change](changeIDHasher{}),
		peers:   immutable.NewMap[uint64, peerCursor](actorHasher{}),
	}
}

func (d *Document) Actor() uint64 {
	return d.actor
}

func (d *Document) Kind() Kind {
	return d.kind
}

// clone returns a private shallow copy safe to mutate before publishing.
func (d *Document) clone() *Document {
	nd := *d
	return &nd
}

func (d *Document) mustKind(kind Kind, op string) {
	if d.kind != kind {
		panic(fmt.Errorf("%v on %v document", op, d.kind))
	}
}

// Put writes key to value.
func (d *Document) Put(key, value string) *Document {
	d.mustKind(KindMap, "put")
	return d.commitLocal(Change{
		Code:  OpPut,
		Key:   key,
		Value: value,
	})
}

// Get reads key, reporting whether it is present.
func (d *Document) Get(key string) (string, bool) {
	d.mustKind(KindMap, "get")
	reg, ok := d.regs.Get(key)
	if !ok || reg.Deleted {
		return "", false
	}
	return reg.Value, true
}

// Delete removes key. Deleting an absent key changes nothing and produces no
// change to export.
func (d *Document) Delete(key string) *Document {
	d.mustKind(KindMap, "delete")
	if _, ok := d.Get(key); !ok {
		return d.clearLastLocal()
	}
	return d.commitLocal(Change{
		Code: OpDelete,
		Key:  key,
	})
}

// Insert places value at the given position, clamped to the current length.
func (d *Document) Insert(index int, value string) *Document {
	d.mustKind(KindList, "insert")
	visible := d.visibleElems()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}
	var after ElemID
	if index > 0 {
		after = visible[index-1].ID
	}
	return d.commitLocal(Change{
		Code:  OpInsert,
		Value: value,
		Elem:  ElemID{Lamport: d.lamport + 1, Actor: d.actor},
		After: after,
	})
}

// GetAt reads the element at the given position.
func (d *Document) GetAt(index int) (string, bool) {
	d.mustKind(KindList, "getAt")
	visible := d.visibleElems()
	if index < 0 || index >= len(visible) {
		return "", false
	}
	return visible[index].Value, true
}

// DeleteAt removes the element at the given position. Out-of-range indices
// change nothing and produce no change to export.
func (d *Document) DeleteAt(index int) *Document {
	d.mustKind(KindList, "deleteAt")
	visible := d.visibleElems()
	if index < 0 || index >= len(visible) {
		return d.clearLastLocal()
	}
	return d.commitLocal(Change{
		Code: OpDeleteAt,
		Elem: visible[index].ID,
	})
}

// commitLocal stamps and integrates one locally originated change, recording
// it as the latest exportable change.
func (d *Document) commitLocal(c Change) *Document {
	c.Actor = d.actor
	c.Seq = d.seqOf(d.actor) + 1
	c.Lamport = d.lamport + 1

	nd := d.clone()
	if !nd.applyOrPark(c) {
		panic(fmt.Errorf("local change %v did not apply", c))
	}
	nd.lastLocal = &c
	return nd
}

func (d *Document) clearLastLocal() *Document {
	if d.lastLocal == nil {
		return d
	}
	nd := d.clone()
	nd.lastLocal = nil
	return nd
}

// LastLocalChange exports the change produced by the most recent local
// mutation, or nil if that mutation changed nothing.
func (d *Document) LastLocalChange() []byte {
	if d.lastLocal == nil {
		return nil
	}
	return EncodeChange(*d.lastLocal)
}

// ApplyChange integrates one exported change. Already-integrated changes are
// ignored; changes whose predecessors have not arrived yet are parked until
// they can apply. Malformed bytes yield ErrCorruptChange.
func (d *Document) ApplyChange(b []byte) (*Document, error) {
	c, err := DecodeChange(b)
	if err != nil {
		return nil, err
	}
	nd := d.clone()
	if nd.applyOrPark(c) {
		nd.drainPending()
	}
	return nd, nil
}

func (d *Document) seqOf(actor uint64) uint64 {
	seq, _ := d.vv.Get(actor)
	return seq
}

// applyOrPark integrates c into the receiver, which must be a private clone.
// It reports whether c actually applied: duplicates are dropped, changes
// with unmet preconditions are parked in the pending set.
func (d *Document) applyOrPark(c Change) bool {
	have := d.seqOf(c.Actor)
	if c.Seq <= have {
		return false
	}
	if c.Seq != have+1 || !d.depsSatisfied(c) {
		d.pending = d.pending.Set(c.id(), c)
		return false
	}
	d.applyOp(c)
	d.vv = d.vv.Set(c.Actor, c.Seq)
	if c.Lamport > d.lamport {
		d.lamport = c.Lamport
	}
	d.log = d.log.Set(c.id(), c)
	d.pending = d.pending.Delete(c.id())
	return true
}

// depsSatisfied checks the structural precondition of list changes: the
// element they reference must already exist.
func (d *Document) depsSatisfied(c Change) bool {
	switch c.Code {
	case OpInsert:
		return c.After.isHead() || d.elemIndex(c.After) >= 0
	case OpDeleteAt:
		return d.elemIndex(c.Elem) >= 0
	default:
		return true
	}
}

func (d *Document) applyOp(c Change) {
	switch c.Code {
	case OpPut, OpDelete:
		incoming := register{
			Value:   c.Value,
			Lamport: c.Lamport,
			Actor:   c.Actor,
			Deleted: c.Code == OpDelete,
		}
		if existing, ok := d.regs.Get(c.Key); ok && !incoming.beats(existing) {
			return
		}
		d.regs = d.regs.Set(c.Key, incoming)
	case OpInsert:
		d.insertElem(c)
	case OpDeleteAt:
		idx := d.elemIndex(c.Elem)
		list := make([]listElem, len(d.list))
		copy(list, d.list)
		list[idx].Deleted = true
		d.list = list
	default:
		panic(fmt.Errorf("%w: opcode %v", ErrCorruptChange, c.Code))
	}
}

// insertElem places the new element after its predecessor, skipping past any
// elements inserted there concurrently with a newer id so every replica
// lands on the same order.
func (d *Document) insertElem(c Change) {
	if d.elemIndex(c.Elem) >= 0 {
		return
	}
	pos := -1
	if !c.After.isHead() {
		pos = d.elemIndex(c.After)
	}
	i := pos + 1
	for i < len(d.list) && d.list[i].ID.greater(c.Elem) {
		i++
	}
	list := make([]listElem, 0, len(d.list)+1)
	list = append(list, d.list[:i]...)
	list = append(list, listElem{ID: c.Elem, Value: c.Value})
	list = append(list, d.list[i:]...)
	d.list = list
}

func (d *Document) elemIndex(id ElemID) int {
	for i, elem := range d.list {
		if elem.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) visibleElems() []listElem {
	var visible []listElem
	for _, elem := range d.list {
		if !elem.Deleted {
			visible = append(visible, elem)
		}
	}
	return visible
}

// drainPending retries parked changes until none can make progress, so one
// arrival can unblock an arbitrarily long chain.
func (d *Document) drainPending() {
	for {
		var parked []Change
		it := d.pending.Iterator()
		for !it.Done() {
			_, c, _ := it.Next()
			parked = append(parked, c)
		}
		sort.Slice(parked, func(i, j int) bool {
			if parked[i].Actor != parked[j].Actor {
				return parked[i].Actor < parked[j].Actor
			}
			return parked[i].Seq < parked[j].Seq
		})

		progressed := false
		for _, c := range parked {
			if d.seqOf(c.Actor) >= c.Seq {
				// Superseded while parked.
				d.pending = d.pending.Delete(c.id())
				progressed = true
				continue
			}
			if c.Seq == d.seqOf(c.Actor)+1 && d.depsSatisfied(c) {
				if d.applyOrPark(c) {
					progressed = true
				}
			}
		}
		if !progressed {
			return
		}
	}
}

// MapValues returns the observable key/value content of a map document.
func (d *Document) MapValues() map[string]string {
	d.mustKind(KindMap, "mapValues")
	values := make(map[string]string)
	it := d.regs.Iterator()
	for !it.Done() {
		key, reg, _ := it.Next()
		if !reg.Deleted {
			values[key] = reg.Value
		}
	}
	return values
}

// ListValues returns the observable element content of a list document.
func (d *Document) ListValues() []string {
	d.mustKind(KindList, "listValues")
	var values []string
	for _, elem := range d.visibleElems() {
		values = append(values, elem.Value)
	}
	return values
}

// ContentEqual compares observable content by value, ignoring internal
// representation, version vectors and sync cursors.
func (d *Document) ContentEqual(other *Document) bool {
	if d.kind != other.kind {
		return false
	}
	switch d.kind {
	case KindMap:
		a, b := d.MapValues(), other.MapValues()
		if len(a) != len(b) {
			return false
		}
		for k, v := range a {
			if bv, ok := b[k]; !ok || bv != v {
				return false
			}
		}
		return true
	case KindList:
		a, b := d.ListValues(), other.ListValues()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Fingerprint covers everything that can influence the document's future
// behaviour. The change log is omitted: it is fully determined by the
// version vector, since an actor never issues two distinct changes with the
// same sequence number.
func (d *Document) Fingerprint() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddUint64(h, d.actor)
	h = fnv1a.AddUint64(h, uint64(d.kind))
	h = fnv1a.AddUint64(h, d.lamport)
	h = fnv1a.AddUint64(h, vvFingerprint(d.vv))

	var regsHash uint64
	it := d.regs.Iterator()
	for !it.Done() {
		key, reg, _ := it.Next()
		rh := fnv1a.HashString64(key)
		rh = fnv1a.AddString64(rh, reg.Value)
		rh = fnv1a.AddUint64(rh, reg.Lamport)
		rh = fnv1a.AddUint64(rh, reg.Actor)
		if reg.Deleted {
			rh = fnv1a.AddUint64(rh, 1)
		}
		regsHash ^= rh
	}
	h = fnv1a.AddUint64(h, regsHash)

	for _, elem := range d.list {
		h = fnv1a.AddUint64(h, elem.ID.hash())
		h = fnv1a.AddString64(h, elem.Value)
		if elem.Deleted {
			h = fnv1a.AddUint64(h, 1)
		}
	}

	var pendingHash uint64
	pit := d.pending.Iterator()
	for !pit.Done() {
		_, c, _ := pit.Next()
		pendingHash ^= c.hash()
	}
	h = fnv1a.AddUint64(h, pendingHash)

	if d.lastLocal != nil {
		h = fnv1a.AddUint64(h, d.lastLocal.hash())
	}

	var peersHash uint64
	cit := d.peers.Iterator()
	for !cit.Done() {
		peer, cursor, _ := cit.Next()
		ph := fnv1a.HashUint64(peer)
		ph = fnv1a.AddUint64(ph, vvFingerprint(cursor.their))
		ph = fnv1a.AddUint64(ph, vvFingerprint(cursor.sent))
		peersHash ^= ph
	}
	h = fnv1a.AddUint64(h, peersHash)
	return h
}

func vvFingerprint(vv *immutable.Map[uint64, uint64]) uint64 {
	var hash uint64
	it := vv.Iterator()
	for !it.Done() {
		actor, seq, _ := it.Next()
		h := fnv1a.HashUint64(actor)
		h = fnv1a.AddUint64(h, seq)
		hash ^= h
	}
	return fnv1a.HashUint64(hash)
}

func (d *Document) String() string {
	switch d.kind {
	case KindMap:
		values := d.MapValues()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "doc{"
		for i, k := range keys {
			if i > 0 {
				s += " "
			}
			s += fmt.Sprintf("%q:%q", k, values[k])
		}
		return s + "}"
	case KindList:
		return fmt.Sprintf("doc%q", d.ListValues())
	default:
		return "doc{?}"
	}
}
