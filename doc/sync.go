package doc

import (
	"sort"

	"github.com/benbjohnson/immutable"
)

// peerCursor is one peer's sync state: what the peer has proven it holds
// (their) and what we have already shipped or know it holds (sent). Both
// only ever grow, which is what makes the generate/receive handshake
// terminate: once sent covers our version vector there is nothing left to
// offer the peer.
type peerCursor struct {
	their *immutable.Map[uint64, uint64]
	sent  *immutable.Map[uint64, uint64]
}

func newPeerCursor() peerCursor {
	return peerCursor{
		their: immutable.NewMap[uint64, uint64](actorHasher{}),
		sent:  immutable.NewMap[uint64, uint64](actorHasher{}),
	}
}

func (d *Document) cursorFor(peer uint64) peerCursor {
	if cursor, ok := d.peers.Get(peer); ok {
		return cursor
	}
	return newPeerCursor()
}

// GenerateSyncMessage produces the next sync unit addressed to the given
// peer, or nil when the peer lacks nothing we hold. A non-nil result comes
// with an updated document whose cursor remembers what was shipped, so the
// same changes are never offered twice.
func (d *Document) GenerateSyncMessage(peer uint64) (*Document, []byte) {
	cursor := d.cursorFor(peer)

	var missing []Change
	it := d.log.Iterator()
	for !it.Done() {
		_, c, _ := it.Next()
		if sent, _ := cursor.sent.Get(c.Actor); c.Seq > sent {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return d, nil
	}

	payload := syncPayload{Changes: missing}
	vit := d.vv.Iterator()
	for !vit.Done() {
		actor, seq, _ := vit.Next()
		payload.VV = append(payload.VV, vvEntry{Actor: actor, Seq: seq})
	}

	cursor.sent = vvJoin(cursor.sent, d.vv)
	nd := d.clone()
	nd.peers = nd.peers.Set(peer, cursor)
	return nd, encodeSync(payload)
}

// ReceiveSyncMessage integrates one sync unit from the given peer: applies
// the carried changes and advances the peer's cursor by the sender's version
// vector. Malformed bytes yield ErrCorruptSync.
func (d *Document) ReceiveSyncMessage(peer uint64, b []byte) (*Document, error) {
	payload, err := decodeSync(b)
	if err != nil {
		return nil, err
	}

	nd := d.clone()
	sort.Slice(payload.Changes, func(i, j int) bool {
		if payload.Changes[i].Actor != payload.Changes[j].Actor {
			return payload.Changes[i].Actor < payload.Changes[j].Actor
		}
		return payload.Changes[i].Seq < payload.Changes[j].Seq
	})
	progressed := false
	for _, c := range payload.Changes {
		if nd.applyOrPark(c) {
			progressed = true
		}
	}
	if progressed {
		nd.drainPending()
	}

	cursor := nd.cursorFor(peer)
	senderVV := immutable.NewMap[uint64, uint64](actorHasher{})
	for _, entry := range payload.VV {
		senderVV = senderVV.Set(entry.Actor, entry.Seq)
	}
	cursor.their = vvJoin(cursor.their, senderVV)
	cursor.sent = vvJoin(cursor.sent, senderVV)
	nd.peers = nd.peers.Set(peer, cursor)
	return nd, nil
}

// vvJoin is the component-wise maximum of two version vectors.
func vvJoin(a, b *immutable.Map[uint64, uint64]) *immutable.Map[uint64, uint64] {
	joined := a
	it := b.Iterator()
	for !it.Done() {
		actor, seq, _ := it.Next()
		if have, _ := joined.Get(actor); seq > have {
			joined = joined.Set(actor, seq)
		}
	}
	return joined
}
