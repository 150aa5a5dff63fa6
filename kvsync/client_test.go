package kvsync

import (
	"testing"

	"github.com/DistCompiler/converge/doc"
	"github.com/DistCompiler/converge/explore"
)

func TestClientEmitsConfiguredRequests(t *testing.T) {
	client := &Client{Kind: RequestPut, Count: 2, Target: 3}
	o := explore.NewOut(5)
	client.OnStart(5, o)

	if len(o.Envelopes) != 2 {
		t.Fatalf("got %d requests, expected 2", len(o.Envelopes))
	}
	for i, env := range o.Envelopes {
		if env.Dst != 3 {
			t.Errorf("request %d sent to %v, expected the target replica", i, env.Dst)
		}
		m, ok := env.Msg.(PutRequest)
		if !ok {
			t.Fatalf("request %d is %T, expected PutRequest", i, env.Msg)
		}
		if m.ID != RequestID(i) {
			t.Errorf("request %d has id %d", i, m.ID)
		}
	}
	// The contended values are v1, v2, ... in issue order.
	if v := o.Envelopes[1].Msg.(PutRequest).Value; v != "v2" {
		t.Errorf("second put writes %q, expected %q", v, "v2")
	}
}

func TestClientRequestShapes(t *testing.T) {
	tests := []struct {
		name   string
		client Client
		check  func(t *testing.T, msg Message)
	}{
		{
			name:   "map delete targets the contended key",
			client: Client{Kind: RequestDelete, ObjectKind: doc.KindMap},
			check: func(t *testing.T, msg Message) {
				m := msg.(DeleteRequest)
				if m.Key != "key" {
					t.Errorf("got key %q", m.Key)
				}
			},
		},
		{
			name:   "list delete targets the head",
			client: Client{Kind: RequestDelete, ObjectKind: doc.KindList},
			check: func(t *testing.T, msg Message) {
				m := msg.(DeleteRequest)
				if m.Key != "" || m.Index != 0 {
					t.Errorf("got key %q index %d", m.Key, m.Index)
				}
			},
		},
		{
			name:   "insert walks the positions",
			client: Client{Kind: RequestInsert, ObjectKind: doc.KindList},
			check: func(t *testing.T, msg Message) {
				m := msg.(InsertRequest)
				if m.Index != 0 || m.Value != "v1" {
					t.Errorf("got index %d value %q", m.Index, m.Value)
				}
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := test.client
			client.Count = 1
			o := explore.NewOut(1)
			client.OnStart(1, o)
			if len(o.Envelopes) != 1 {
				t.Fatalf("got %d requests, expected 1", len(o.Envelopes))
			}
			test.check(t, o.Envelopes[0].Msg.(Message))
		})
	}
}

func TestClientFollowUpGets(t *testing.T) {
	client := &Client{Kind: RequestPut, Count: 2, Target: 0, FollowUpGets: true, ObjectKind: doc.KindMap}
	o := explore.NewOut(1)
	state := clientState{}

	if _, changed := client.OnMsg(1, state, 0, PutOk{ID: 1}, o); changed {
		t.Errorf("acknowledgements must not change client state")
	}
	if len(o.Envelopes) != 1 {
		t.Fatalf("got %d follow-ups, expected 1", len(o.Envelopes))
	}
	m := o.Envelopes[0].Msg.(GetRequest)
	// Read ids live in the range above the write ids.
	if m.ID != 3 {
		t.Errorf("follow-up get has id %d, expected 3", m.ID)
	}
	if o.Envelopes[0].Dst != 0 {
		t.Errorf("follow-up sent to %v, expected the acking replica", o.Envelopes[0].Dst)
	}
}

func TestClientIgnoresAcksWithoutFollowUps(t *testing.T) {
	client := &Client{Kind: RequestPut, Count: 2, Target: 0}
	o := explore.NewOut(1)
	client.OnMsg(1, clientState{}, 0, PutOk{ID: 0}, o)
	if len(o.Envelopes) != 0 {
		t.Errorf("got %d messages, expected silence", len(o.Envelopes))
	}
}
