package wire

import (
    "testing"
)

func TestAddPacketIDWraps(t *testing.T) {
    if got := AddPacketID(PacketIDMod-1, 1); got != 0 {
        t.Fatalf("wrap add: got %d", got)
    }
    if got := AddPacketID(PacketIDMod-1, 10); got != 9 {
        t.Fatalf("wrap add 10: got %d", got)
    }
    if got := AddPacketID(5, 7); got != 12 {
        t.Fatalf("plain add: got %d", got)
    }
}

func TestSubPacketID(t *testing.T) {
    if got := SubPacketID(10, 3); got != 7 {
        t.Fatalf("plain sub: got %d", got)
    }
    if got := SubPacketID(2, PacketIDMod-3); got != 5 {
        t.Fatalf("wrap sub: got %d", got)
    }
}

func TestPacketIDIsNewerThan(t *testing.T) {
    cases := []struct {
        a, b PacketID
        want bool
    }{
        {1, 0, true},
        {0, 1, false},
        {0, 0, false},
        {0, PacketIDMod - 1, true},       // wrapped: 0 comes after max
        {PacketIDMod - 1, 0, false},
        {PacketIDMod / 2, 0, false},      // exactly half apart is ambiguous, older
        {PacketIDMod/2 - 1, 0, true},
        {100, PacketIDMod - 100, true},   // spans the wrap point
    }
    for _, c := range cases {
        if got := PacketIDIsNewerThan(c.a, c.b); got != c.want {
            t.Fatalf("IsNewerThan(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
        }
    }
}

func TestPacketIDOrderingAcrossFullWrap(t *testing.T) {
    // Walking the whole 22-bit space in strides of 4097, every
    // successor must compare newer than its predecessor.
    id := PacketID(0)
    for i := 0; i < int(PacketIDMod); i += 4097 {
        next := AddPacketID(id, 4097)
        if !PacketIDIsNewerThan(next, id) {
            t.Fatalf("step at %d: %d not newer than %d", i, next, id)
        }
        id = next
    }
}
