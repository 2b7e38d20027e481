package conn

import (
    "msglink/pkg/clock"
    "msglink/pkg/wire"
)

// packetTrack is the bookkeeping kept for one reliable datagram in
// flight: the reliable messages it carried (owned until ack or
// timeout), its deadline, and the send rate in effect when it left.
type packetTrack struct {
    packetID         wire.PacketID
    messages         []*Message
    sentTick         clock.Ticks
    timeoutTick      clock.Ticks
    sendCount        int
    datagramSendRate float64
}

// ackTrackQueue holds the in-flight reliable datagrams in send order.
// Packet ids grow monotonically (mod 2^22), so the queue is sorted and
// entries time out from the front.
type ackTrackQueue struct {
    q []*packetTrack
}

func (a *ackTrackQueue) Len() int { return len(a.q) }

// Front returns the oldest in-flight datagram.
func (a *ackTrackQueue) Front() *packetTrack {
    if len(a.q) == 0 {
        return nil
    }
    return a.q[0]
}

// PushBack appends a freshly sent datagram.
func (a *ackTrackQueue) PushBack(t *packetTrack) {
    a.q = append(a.q, t)
}

// PopFront drops the oldest entry.
func (a *ackTrackQueue) PopFront() {
    if len(a.q) == 0 {
        return
    }
    a.q[0] = nil
    a.q = a.q[1:]
}

// find locates the index of packetID with a biased binary search over
// ids normalized to their distance from the queue head, which keeps
// the search correct across the 22-bit wrap. Returns -1 when absent.
func (a *ackTrackQueue) find(packetID wire.PacketID) int {
    n := len(a.q)
    if n == 0 {
        return -1
    }
    base := a.q[0].packetID
    target := wire.SubPacketID(packetID, base)
    rel := func(i int) uint32 { return wire.SubPacketID(a.q[i].packetID, base) }

    head, tail := 0, n-1
    headVal, tailVal := rel(head), rel(tail)
    if headVal == target {
        return head
    }
    if tailVal == target {
        return tail
    }
    if target < headVal || target > tailVal {
        return -1
    }
    for head < tail {
        // Interpolate toward where a uniformly spaced id would sit.
        idx := head + int(uint64(tail-head)*uint64(target-headVal)/uint64(tailVal-headVal))
        if idx <= head {
            idx = head + 1
        }
        if idx >= tail {
            idx = tail - 1
        }
        v := rel(idx)
        switch {
        case v == target:
            return idx
        case v < target:
            head, headVal = idx, v
        default:
            tail, tailVal = idx, v
        }
        if head+1 >= tail {
            return -1
        }
    }
    return -1
}

// Remove extracts the entry for packetID, preserving send order.
func (a *ackTrackQueue) Remove(packetID wire.PacketID) *packetTrack {
    i := a.find(packetID)
    if i < 0 {
        return nil
    }
    t := a.q[i]
    copy(a.q[i:], a.q[i+1:])
    a.q[len(a.q)-1] = nil
    a.q = a.q[:len(a.q)-1]
    return t
}
