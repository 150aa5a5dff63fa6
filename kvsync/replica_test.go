package kvsync

import (
	"testing"

	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

func startReplica(t *testing.T, self explore.Id, r *Replica) *doc.Document {
	t.Helper()
	o := explore.NewOut(self)
	state := r.OnStart(self, o)
	if len(o.Envelopes) != 0 {
		t.Fatalf("replica sent %d messages at startup", len(o.Envelopes))
	}
	return state.(*doc.Document)
}

func deliver(t *testing.T, r *Replica, self explore.Id, d *doc.Document, src explore.Id, msg Message) (*doc.Document, *explore.Out) {
	t.Helper()
	o := explore.NewOut(self)
	state, _ := r.OnMsg(self, d, src, msg, o)
	return state.(*doc.Document), o
}

func TestReplicaPutAcksAndBroadcasts(t *testing.T) {
	r := &Replica{Peers: []explore.Id{1, 2}, Strategy: SyncViaChanges, MessageAcks: true, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)

	d, o := deliver(t, r, 0, d, 9, PutRequest{ID: 4, Key: "key", Value: "v1"})

	if value, ok := d.Get("key"); !ok || value != "v1" {
		t.Errorf("got %q, %v; expected the write applied", value, ok)
	}
	if len(o.Envelopes) != 3 {
		t.Fatalf("got %d messages, expected ack + 2 broadcasts", len(o.Envelopes))
	}
	ack, ok := o.Envelopes[0].Msg.(PutOk)
	if !ok || o.Envelopes[0].Dst != 9 {
		t.Fatalf("first message is %v to %v, expected PutOk to the client", o.Envelopes[0].Msg, o.Envelopes[0].Dst)
	}
	if ack.ID != 4 {
		t.Errorf("ack id %d, expected the request id echoed", ack.ID)
	}
	for _, env := range o.Envelopes[1:] {
		if _, ok := env.Msg.(SyncChange); !ok {
			t.Errorf("broadcast is %T, expected SyncChange", env.Msg)
		}
	}
}

func TestReplicaSilentWithoutAcks(t *testing.T) {
	r := &Replica{Strategy: SyncViaChanges, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)

	d, o := deliver(t, r, 0, d, 9, PutRequest{ID: 0, Key: "key", Value: "v1"})
	if len(o.Envelopes) != 0 {
		t.Errorf("got %d messages with acks disabled and no peers", len(o.Envelopes))
	}
	_, o = deliver(t, r, 0, d, 9, GetRequest{ID: 1, Key: "key"})
	if len(o.Envelopes) != 0 {
		t.Errorf("got %d messages for a read with acks disabled", len(o.Envelopes))
	}
}

func TestReplicaGetOkEchoesValue(t *testing.T) {
	r := &Replica{Strategy: SyncViaChanges, MessageAcks: true, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)
	d, _ = deliver(t, r, 0, d, 9, PutRequest{ID: 0, Key: "key", Value: "v1"})

	_, o := deliver(t, r, 0, d, 9, GetRequest{ID: 7, Key: "key"})
	if len(o.Envelopes) != 1 {
		t.Fatalf("got %d messages, expected one GetOk", len(o.Envelopes))
	}
	m := o.Envelopes[0].Msg.(GetOk)
	if m.ID != 7 || m.Value != "v1" {
		t.Errorf("got GetOk(%d, %q), expected the id echoed and the stored value", m.ID, m.Value)
	}
}

func TestReplicaReadMissIsSilent(t *testing.T) {
	r := &Replica{Strategy: SyncViaChanges, MessageAcks: true, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)

	_, o := deliver(t, r, 0, d, 9, GetRequest{ID: 0, Key: "missing"})
	if len(o.Envelopes) != 0 {
		t.Errorf("got %d messages for a read miss, expected none", len(o.Envelopes))
	}
}

func TestReplicaDeleteAbsentKeyAcksButShipsNothing(t *testing.T) {
	r := &Replica{Peers: []explore.Id{1}, Strategy: SyncViaChanges, MessageAcks: true, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)

	_, o := deliver(t, r, 0, d, 9, DeleteRequest{ID: 0, Key: "missing"})
	if len(o.Envelopes) != 1 {
		t.Fatalf("got %d messages, expected only the ack", len(o.Envelopes))
	}
	if _, ok := o.Envelopes[0].Msg.(DeleteOk); !ok {
		t.Errorf("got %T, expected DeleteOk", o.Envelopes[0].Msg)
	}
}

func TestReplicaListDeleteUsesIndex(t *testing.T) {
	r := &Replica{Strategy: SyncViaChanges, ObjectKind: doc.KindList}
	d := startReplica(t, 0, r)
	d, _ = deliver(t, r, 0, d, 9, InsertRequest{ID: 0, Index: 0, Value: "v1"})

	d, _ = deliver(t, r, 0, d, 9, DeleteRequest{ID: 1, Index: 0})
	if values := d.ListValues(); len(values) != 0 {
		t.Errorf("got %v, expected the element removed", values)
	}
}

func TestReplicaChangePropagationConverges(t *testing.T) {
	r0 := &Replica{Peers: []explore.Id{1}, Strategy: SyncViaChanges, ObjectKind: doc.KindMap}
	r1 := &Replica{Peers: []explore.Id{0}, Strategy: SyncViaChanges, ObjectKind: doc.KindMap}
	d0 := startReplica(t, 0, r0)
	d1 := startReplica(t, 1, r1)

	d0, o := deliver(t, r0, 0, d0, 9, PutRequest{ID: 0, Key: "key", Value: "v1"})
	if len(o.Envelopes) != 1 {
		t.Fatalf("got %d messages, expected one broadcast change", len(o.Envelopes))
	}
	change := o.Envelopes[0].Msg.(SyncChange)

	d1, o = deliver(t, r1, 1, d1, 0, change)
	if len(o.Envelopes) != 0 {
		t.Errorf("change application provoked %d messages, expected none", len(o.Envelopes))
	}
	if !d0.ContentEqual(d1) {
		t.Errorf("replicas did not converge: %v vs %v", d0, d1)
	}

	// Duplicate delivery must be harmless.
	d1again, _ := deliver(t, r1, 1, d1, 0, change)
	if d1again.Fingerprint() != d1.Fingerprint() {
		t.Errorf("duplicate change altered the document")
	}
}

func TestReplicaMessageSyncHandshakeTerminates(t *testing.T) {
	r0 := &Replica{Peers: []explore.Id{1}, Strategy: SyncViaMessages, ObjectKind: doc.KindMap}
	r1 := &Replica{Peers: []explore.Id{0}, Strategy: SyncViaMessages, ObjectKind: doc.KindMap}
	d0 := startReplica(t, 0, r0)
	d1 := startReplica(t, 1, r1)

	d0, o := deliver(t, r0, 0, d0, 9, PutRequest{ID: 0, Key: "key", Value: "v1"})
	if len(o.Envelopes) != 1 {
		t.Fatalf("got %d messages, expected one sync offer", len(o.Envelopes))
	}
	offer := o.Envelopes[0].Msg.(SyncMsg)

	d1, o = deliver(t, r1, 1, d1, 0, offer)
	if !d0.ContentEqual(d1) {
		t.Fatalf("replicas did not converge: %v vs %v", d0, d1)
	}
	// The sender's version vector told d1 there is nothing to send back.
	if len(o.Envelopes) != 0 {
		t.Errorf("handshake echoed %d messages, expected quiescence", len(o.Envelopes))
	}
}

func TestReplicaIgnoresStrayAcks(t *testing.T) {
	r := &Replica{Strategy: SyncViaChanges, ObjectKind: doc.KindMap}
	d := startReplica(t, 0, r)

	o := explore.NewOut(0)
	state, changed := r.OnMsg(0, d, 9, PutOk{ID: 0}, o)
	if changed || len(o.Envelopes) != 0 {
		t.Errorf("stray ack changed state or provoked traffic")
	}
	if state.(*doc.Document) != d {
		t.Errorf("stray ack replaced the document")
	}
}
