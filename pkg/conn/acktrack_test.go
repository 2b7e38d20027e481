package conn

import (
    "testing"

    "msglink/pkg/wire"
)

func pushTracks(a *ackTrackQueue, start wire.PacketID, n int) {
    id := start
    for i := 0; i < n; i++ {
        a.PushBack(&packetTrack{packetID: id})
        id = wire.AddPacketID(id, 1)
    }
}

func TestAckTrackFindAndRemove(t *testing.T) {
    var a ackTrackQueue
    pushTracks(&a, 100, 50)

    if got := a.find(100); got != 0 {
        t.Fatalf("find head: %d", got)
    }
    if got := a.find(149); got != 49 {
        t.Fatalf("find tail: %d", got)
    }
    if got := a.find(125); got != 25 {
        t.Fatalf("find middle: %d", got)
    }
    if got := a.find(99); got != -1 {
        t.Fatalf("find below range: %d", got)
    }
    if got := a.find(150); got != -1 {
        t.Fatalf("find above range: %d", got)
    }

    tr := a.Remove(125)
    if tr == nil || tr.packetID != 125 {
        t.Fatalf("remove: %+v", tr)
    }
    if a.Len() != 49 {
        t.Fatalf("len after remove: %d", a.Len())
    }
    if a.find(125) != -1 {
        t.Fatalf("removed id still found")
    }
    // Neighbours survive.
    if a.find(124) == -1 || a.find(126) == -1 {
        t.Fatalf("neighbours lost on remove")
    }
}

func TestAckTrackFindAcrossWrap(t *testing.T) {
    var a ackTrackQueue
    start := wire.PacketIDMod - 10
    pushTracks(&a, start, 20) // spans the 22-bit wrap

    for i := 0; i < 20; i++ {
        id := wire.AddPacketID(start, uint32(i))
        if got := a.find(id); got != i {
            t.Fatalf("find %d across wrap: got index %d, want %d", id, got, i)
        }
    }
    if tr := a.Remove(3); tr == nil || tr.packetID != 3 {
        t.Fatalf("remove wrapped id: %+v", tr)
    }
}

func TestAckTrackFindSparse(t *testing.T) {
    var a ackTrackQueue
    // Non-uniform spacing exercises the interpolation clamp.
    for _, id := range []wire.PacketID{1, 2, 3, 1000, 1001, 500000} {
        a.PushBack(&packetTrack{packetID: id})
    }
    for _, id := range []wire.PacketID{1, 2, 3, 1000, 1001, 500000} {
        if a.find(id) == -1 {
            t.Fatalf("sparse find lost id %d", id)
        }
    }
    for _, id := range []wire.PacketID{0, 4, 999, 1002, 499999} {
        if a.find(id) != -1 {
            t.Fatalf("sparse find invented id %d", id)
        }
    }
}

func TestAckTrackFrontPop(t *testing.T) {
    var a ackTrackQueue
    if a.Front() != nil {
        t.Fatalf("front of empty queue")
    }
    pushTracks(&a, 7, 3)
    if a.Front().packetID != 7 {
        t.Fatalf("front: %d", a.Front().packetID)
    }
    a.PopFront()
    if a.Front().packetID != 8 {
        t.Fatalf("front after pop: %d", a.Front().packetID)
    }
}
