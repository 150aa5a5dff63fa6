package doc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/segmentio/fasthash/fnv1a"
)

var (
	// ErrCorruptChange reports undecodable change bytes. This is a protocol
	// bug, never a recoverable runtime condition.
	ErrCorruptChange = errors.New("corrupt change payload")
	// ErrCorruptSync reports undecodable sync-message bytes.
	ErrCorruptSync = errors.New("corrupt sync payload")
)

// OpCode discriminates the mutation a change carries.
type OpCode int

const (
	OpPut OpCode = iota + 1
	OpDelete
	OpInsert
	OpDeleteAt
)

func (c OpCode) String() string {
	switch c {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	case OpDeleteAt:
		return "deleteAt"
	default:
		return fmt.Sprintf("op(%d)", int(c))
	}
}

// ElemID names one list element by the Lamport timestamp and actor of its
// insertion. The zero value is the virtual list head.
type ElemID struct {
	Lamport uint64
	Actor   uint64
}

// greater is the total order used to resolve concurrent sibling inserts:
// newer timestamps sort first, actor id breaking ties.
func (id ElemID) greater(other ElemID) bool {
	if id.Lamport != other.Lamport {
		return id.Lamport > other.Lamport
	}
	return id.Actor > other.Actor
}

func (id ElemID) isHead() bool {
	return id == ElemID{}
}

func (id ElemID) hash() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddUint64(h, id.Lamport)
	h = fnv1a.AddUint64(h, id.Actor)
	return h
}

// Change is one self-contained record of a local mutation: exportable,
// transportable as opaque bytes, and applicable on any replica. Seq numbers
// one actor's changes contiguously from 1, forming the version vector
// domain.
type Change struct {
	Actor   uint64
	Seq     uint64
	Lamport uint64
	Code    OpCode
	Key     string
	Value   string
	Elem    ElemID // inserted element (OpInsert) or target (OpDeleteAt)
	After   ElemID // insertion predecessor; head if zero
}

func (c Change) id() changeID {
	return changeID{Actor: c.Actor, Seq: c.Seq}
}

func (c Change) hash() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddUint64(h, c.Actor)
	h = fnv1a.AddUint64(h, c.Seq)
	h = fnv1a.AddUint64(h, c.Lamport)
	h = fnv1a.AddUint64(h, uint64(c.Code))
	h = fnv1a.AddString64(h, c.Key)
	h = fnv1a.AddString64(h, c.Value)
	h = fnv1a.AddUint64(h, c.Elem.hash())
	h = fnv1a.AddUint64(h, c.After.hash())
	return h
}

func (c Change) String() string {
	switch c.Code {
	case OpPut:
		return fmt.Sprintf("%d@%d put %q=%q", c.Actor, c.Seq, c.Key, c.Value)
	case OpDelete:
		return fmt.Sprintf("%d@%d delete %q", c.Actor, c.Seq, c.Key)
	case OpInsert:
		return fmt.Sprintf("%d@%d insert %q at %v after %v", c.Actor, c.Seq, c.Value, c.Elem, c.After)
	case OpDeleteAt:
		return fmt.Sprintf("%d@%d deleteAt %v", c.Actor, c.Seq, c.Elem)
	default:
		return fmt.Sprintf("%d@%d %v", c.Actor, c.Seq, c.Code)
	}
}

type changeID struct {
	Actor uint64
	Seq   uint64
}

// EncodeChange serializes one change for transport.
func EncodeChange(c Change) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&c); err != nil {
		// Change is a plain value struct; encoding cannot fail.
		panic(fmt.Errorf("encoding change: %w", err))
	}
	return buf.Bytes()
}

// DecodeChange is the inverse of EncodeChange. Malformed input yields
// ErrCorruptChange.
func DecodeChange(b []byte) (Change, error) {
	var c Change
	if err := gob.NewDecoder(bytes.NewBuffer(b)).Decode(&c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrCorruptChange, err)
	}
	return c, nil
}

// vvEntry is one version-vector component in wire form.
type vvEntry struct {
	Actor uint64
	Seq   uint64
}

// syncPayload is the wire form of one incremental sync unit: the sender's
// version vector plus every change the sender believes the receiver lacks.
type syncPayload struct {
	VV      []vvEntry
	Changes []Change
}

func encodeSync(p syncPayload) []byte {
	sort.Slice(p.VV, func(i, j int) bool { return p.VV[i].Actor < p.VV[j].Actor })
	sort.Slice(p.Changes, func(i, j int) bool {
		if p.Changes[i].Actor != p.Changes[j].Actor {
			return p.Changes[i].Actor < p.Changes[j].Actor
		}
		return p.Changes[i].Seq < p.Changes[j].Seq
	})
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		panic(fmt.Errorf("encoding sync payload: %w", err))
	}
	return buf.Bytes()
}

func decodeSync(b []byte) (syncPayload, error) {
	var p syncPayload
	if err := gob.NewDecoder(bytes.NewBuffer(b)).Decode(&p); err != nil {
		return syncPayload{}, fmt.Errorf("%w: %v", ErrCorruptSync, err)
	}
	return p, nil
}
