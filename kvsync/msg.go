// Package kvsync models a replicated key-value/list store as a small set of
// communicating actors: bounded client request generators and replicas that
// own one conflict-free document each and disseminate local mutations to
// their peers. Every handler is deterministic and replay-safe, so the
// explore engine can enumerate all interleavings of client requests and
// network deliveries and check that the replicas converge under each one.
package kvsync

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/DistCompiler/converge/explore"
)

// RequestID correlates a request with its acknowledgement. Ids are chosen by
// the issuing client and need only be unique within that client's stream.
type RequestID int

// Message is the protocol's shared envelope type, covering both families.
type Message interface {
	explore.Message
	isMessage()
}

// ClientMsg marks messages originating from or destined for clients.
type ClientMsg interface {
	Message
	isClientMsg()
}

// InternalMsg marks replica-to-replica synchronization traffic. The payload
// bytes are produced and consumed by the document engine; the protocol layer
// never inspects them.
type InternalMsg interface {
	Message
	isInternalMsg()
}

// Per-type fingerprint seeds, so messages with identical fields but
// different shapes never collide.
const (
	tagPut uint64 = iota + 1
	tagGet
	tagDelete
	tagInsert
	tagPutOk
	tagGetOk
	tagDeleteOk
	tagInsertOk
	tagSyncMsg
	tagSyncChange
)

type PutRequest struct {
	ID    RequestID
	Key   string
	Value string
}

// GetRequest reads a map key or a list index, depending on the replica's
// object kind.
type GetRequest struct {
	ID    RequestID
	Key   string
	Index int
}

// DeleteRequest removes a map key or a list index, depending on the
// replica's object kind.
type DeleteRequest struct {
	ID    RequestID
	Key   string
	Index int
}

type InsertRequest struct {
	ID    RequestID
	Index int
	Value string
}

type PutOk struct {
	ID RequestID
}

type GetOk struct {
	ID    RequestID
	Value string
}

type DeleteOk struct {
	ID RequestID
}

type InsertOk struct {
	ID RequestID
}

// SyncMsg carries one unit of the incremental two-party sync exchange.
type SyncMsg struct {
	Bytes []byte
}

// SyncChange carries one exported change, broadcast verbatim to every peer.
type SyncChange struct {
	Bytes []byte
}

func (PutRequest) isMessage()    {}
func (GetRequest) isMessage()    {}
func (DeleteRequest) isMessage() {}
func (InsertRequest) isMessage() {}
func (PutOk) isMessage()         {}
func (GetOk) isMessage()         {}
func (DeleteOk) isMessage()      {}
func (InsertOk) isMessage()      {}
func (SyncMsg) isMessage()       {}
func (SyncChange) isMessage()    {}

func (PutRequest) isClientMsg()    {}
func (GetRequest) isClientMsg()    {}
func (DeleteRequest) isClientMsg() {}
func (InsertRequest) isClientMsg() {}
func (PutOk) isClientMsg()         {}
func (GetOk) isClientMsg()         {}
func (DeleteOk) isClientMsg()      {}
func (InsertOk) isClientMsg()      {}

func (SyncMsg) isInternalMsg()    {}
func (SyncChange) isInternalMsg() {}

func (m PutRequest) Fingerprint() uint64 {
	h := fnv1a.HashUint64(tagPut)
	h = fnv1a.AddUint64(h, uint64(m.ID))
	h = fnv1a.AddString64(h, m.Key)
	h = fnv1a.AddString64(h, m.Value)
	return h
}

func (m GetRequest) Fingerprint() uint64 {
	h := fnv1a.HashUint64(tagGet)
	h = fnv1a.AddUint64(h, uint64(m.ID))
	h = fnv1a.AddString64(h, m.Key)
	h = fnv1a.AddUint64(h, uint64(m.Index))
	return h
}

func (m DeleteRequest) Fingerprint() uint64 {
	h := fnv1a.HashUint64(tagDelete)
	h = fnv1a.AddUint64(h, uint64(m.ID))
	h = fnv1a.AddString64(h, m.Key)
	h = fnv1a.AddUint64(h, uint64(m.Index))
	return h
}

func (m InsertRequest) Fingerprint() uint64 {
	h := fnv1a.HashUint64(tagInsert)
	h = fnv1a.AddUint64(h, uint64(m.ID))
	h = fnv1a.AddUint64(h, uint64(m.Index))
	h = fnv1a.AddString64(h, m.Value)
	return h
}

func (m PutOk) Fingerprint() uint64 {
	return fnv1a.AddUint64(fnv1a.HashUint64(tagPutOk), uint64(m.ID))
}

func (m GetOk) Fingerprint() uint64 {
	h := fnv1a.HashUint64(tagGetOk)
	h = fnv1a.AddUint64(h, uint64(m.ID))
	h = fnv1a.AddString64(h, m.Value)
	return h
}

func (m DeleteOk) Fingerprint() uint64 {
	return fnv1a.AddUint64(fnv1a.HashUint64(tagDeleteOk), uint64(m.ID))
}

func (m InsertOk) Fingerprint() uint64 {
	return fnv1a.AddUint64(fnv1a.HashUint64(tagInsertOk), uint64(m.ID))
}

func (m SyncMsg) Fingerprint() uint64 {
	return fnv1a.AddBytes64(fnv1a.HashUint64(tagSyncMsg), m.Bytes)
}

func (m SyncChange) Fingerprint() uint64 {
	return fnv1a.AddBytes64(fnv1a.HashUint64(tagSyncChange), m.Bytes)
}

func (m PutRequest) String() string {
	return fmt.Sprintf("Put(%d, %q=%q)", m.ID, m.Key, m.Value)
}

func (m GetRequest) String() string {
	if m.Key != "" {
		return fmt.Sprintf("Get(%d, %q)", m.ID, m.Key)
	}
	return fmt.Sprintf("Get(%d, [%d])", m.ID, m.Index)
}

func (m DeleteRequest) String() string {
	if m.Key != "" {
		return fmt.Sprintf("Delete(%d, %q)", m.ID, m.Key)
	}
	return fmt.Sprintf("Delete(%d, [%d])", m.ID, m.Index)
}

func (m InsertRequest) String() string {
	return fmt.Sprintf("Insert(%d, [%d]=%q)", m.ID, m.Index, m.Value)
}

func (m PutOk) String() string {
	return fmt.Sprintf("PutOk(%d)", m.ID)
}

func (m GetOk) String() string {
	return fmt.Sprintf("GetOk(%d, %q)", m.ID, m.Value)
}

func (m DeleteOk) String() string {
	return fmt.Sprintf("DeleteOk(%d)", m.ID)
}

func (m InsertOk) String() string {
	return fmt.Sprintf("InsertOk(%d)", m.ID)
}

func (m SyncMsg) String() string {
	return fmt.Sprintf("SyncMessage(%d bytes)", len(m.Bytes))
}

func (m SyncChange) String() string {
	return fmt.Sprintf("SyncChange(%d bytes)", len(m.Bytes))
}

func init() {
	gob.Register(PutRequest{})
	gob.Register(GetRequest{})
	gob.Register(DeleteRequest{})
	gob.Register(InsertRequest{})
	gob.Register(PutOk{})
	gob.Register(GetOk{})
	gob.Register(DeleteOk{})
	gob.Register(InsertOk{})
	gob.Register(SyncMsg{})
	gob.Register(SyncChange{})
}

// EncodeMessage serializes any protocol message as opaque bytes, keeping the
// envelope transport-agnostic.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return nil, fmt.Errorf("encoding %v: %w", m, err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewBuffer(b)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}
