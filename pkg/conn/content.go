package conn

import (
    "msglink/pkg/clock"
    "msglink/pkg/wire"
)

// contentKey identifies a logical item: application opcode plus the
// application-supplied content id.
type contentKey struct {
    id        uint32
    contentID uint32
}

// outboundContentTrack maps each live (id, contentID) pair to the most
// recently queued message carrying it. Worker-only.
type outboundContentTrack struct {
    latest map[contentKey]*Message
}

func newOutboundContentTrack() *outboundContentTrack {
    return &outboundContentTrack{latest: make(map[contentKey]*Message)}
}

// CheckAndSave records msg as the latest for its key. Whichever of the
// stored and incoming message is older (by message number, with wrap)
// is marked obsolete and will be freed instead of serialized.
func (t *outboundContentTrack) CheckAndSave(msg *Message) {
    if msg.ContentID == 0 {
        return
    }
    key := contentKey{id: msg.ID, contentID: msg.ContentID}
    prev, ok := t.latest[key]
    if !ok {
        t.latest[key] = msg
        return
    }
    if msg.IsNewerThan(prev) {
        prev.Obsolete = true
        t.latest[key] = msg
    } else {
        msg.Obsolete = true
    }
}

// Clear drops the slot if msg still occupies it; called when a message
// is freed so the map never points at recycled memory.
func (t *outboundContentTrack) Clear(msg *Message) {
    if msg.ContentID == 0 {
        return
    }
    key := contentKey{id: msg.ID, contentID: msg.ContentID}
    if t.latest[key] == msg {
        delete(t.latest, key)
    }
}

// Reset drops all slots.
func (t *outboundContentTrack) Reset() {
    clear(t.latest)
}

// contentStamp records the newest packet id accepted for a key and
// when it was stamped.
type contentStamp struct {
    packetID wire.PacketID
    tick     clock.Ticks
}

// contentStampStaleMS is how long a stamp stays authoritative; after
// this the next message for the key is accepted regardless of packet
// id, which re-synchronizes after a long silence or id wrap.
const contentStampStaleMS = 5000

// inboundContentTrack keeps the per-key acceptance stamps on the
// receive side. Worker-only.
type inboundContentTrack struct {
    stamps map[contentKey]contentStamp
}

func newInboundContentTrack() *inboundContentTrack {
    return &inboundContentTrack{stamps: make(map[contentKey]contentStamp)}
}

// CheckAndSave decides whether a message with the given key, carried by
// packetID, should be delivered. Accepted iff the packet id is newer
// than the stored stamp or the stamp has gone stale.
func (t *inboundContentTrack) CheckAndSave(messageID, contentID uint32, packetID wire.PacketID, now clock.Ticks) bool {
    key := contentKey{id: messageID, contentID: contentID}
    prev, ok := t.stamps[key]
    if !ok {
        t.stamps[key] = contentStamp{packetID: packetID, tick: now}
        return true
    }
    stale := clock.ToMilliseconds(clock.TicksInBetween(now, prev.tick)) > contentStampStaleMS
    if wire.PacketIDIsNewerThan(packetID, prev.packetID) || stale {
        t.stamps[key] = contentStamp{packetID: packetID, tick: now}
        return true
    }
    return false
}

// Reset drops all stamps.
func (t *inboundContentTrack) Reset() {
    clear(t.stamps)
}
