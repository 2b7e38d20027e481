package conn

import (
    "sync"

    "msglink/pkg/clock"
    "msglink/pkg/wire"
)

// statsWindowMilliseconds is how much traffic history the statistics
// keep; older samples are pruned on each refresh.
const statsWindowMilliseconds = 5000

type trafficSample struct {
    tick        clock.Ticks
    bytesIn     uint64
    bytesOut    uint64
    packetsIn   uint64
    packetsOut  uint64
    messagesIn  uint64
    messagesOut uint64
}

type pingSample struct {
    pingID        uint8
    sentTick      clock.Ticks
    replyTick     clock.Ticks
    replyReceived bool
}

type recvPacketSample struct {
    tick     clock.Ticks
    packetID wire.PacketID
}

// Rates is the per-second traffic summary exposed to the application.
type Rates struct {
    BytesIn     float64
    BytesOut    float64
    PacketsIn   float64
    PacketsOut  float64
    MessagesIn  float64
    MessagesOut float64
    // PacketLossRate is the fraction of inbound datagrams missing from
    // the recent packet id sequence; PacketLossCount the same as a
    // per-second count.
    PacketLossRate  float64
    PacketLossCount float64
}

// Statistics accumulates traffic samples and ping history for one
// connection. Written by the worker, read by the application; all
// access goes through the mutex.
type Statistics struct {
    mu      sync.Mutex
    traffic []trafficSample
    ping    []pingSample
    recvIDs []recvPacketSample
    rates   Rates
}

func newStatistics() *Statistics { return &Statistics{} }

// AddOutbound records one outbound traffic event.
func (s *Statistics) AddOutbound(bytes, packets, messages uint64) {
    if bytes == 0 && packets == 0 && messages == 0 {
        return
    }
    s.mu.Lock()
    s.traffic = append(s.traffic, trafficSample{
        tick: clock.Now(), bytesOut: bytes, packetsOut: packets, messagesOut: messages,
    })
    s.mu.Unlock()
}

// AddInbound records one inbound traffic event.
func (s *Statistics) AddInbound(bytes, packets, messages uint64) {
    if bytes == 0 && packets == 0 && messages == 0 {
        return
    }
    s.mu.Lock()
    s.traffic = append(s.traffic, trafficSample{
        tick: clock.Now(), bytesIn: bytes, packetsIn: packets, messagesIn: messages,
    })
    s.mu.Unlock()
}

// AddReceivedPacketID records an inbound packet id for loss estimation.
func (s *Statistics) AddReceivedPacketID(id wire.PacketID) {
    s.mu.Lock()
    s.recvIDs = append(s.recvIDs, recvPacketSample{tick: clock.Now(), packetID: id})
    s.mu.Unlock()
}

// NewPing opens a ping sample and returns its id: previous id plus one
// with u8 wrap, starting from 1.
func (s *Statistics) NewPing(now clock.Ticks) uint8 {
    s.mu.Lock()
    defer s.mu.Unlock()
    id := uint8(1)
    if len(s.ping) > 0 {
        id = s.ping[len(s.ping)-1].pingID + 1
    }
    s.ping = append(s.ping, pingSample{pingID: id, sentTick: now})
    return id
}

// CompletePing closes the matching open ping sample and returns the
// measured round trip in milliseconds. ok is false when no open sample
// matches the id.
func (s *Statistics) CompletePing(pingID uint8, now clock.Ticks) (float64, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for i := range s.ping {
        p := &s.ping[i]
        if p.pingID == pingID && !p.replyReceived {
            p.replyTick = now
            p.replyReceived = true
            return clock.ToMilliseconds(clock.TicksInBetween(now, p.sentTick)), true
        }
    }
    return 0, false
}

// Refresh prunes samples older than the stats window and recomputes
// the per-second rates and the packet loss estimate.
func (s *Statistics) Refresh() {
    now := clock.Now()
    oldest := now - clock.Ticks(statsWindowMilliseconds)*clock.TicksPerMillisecond

    s.mu.Lock()
    defer s.mu.Unlock()

    s.traffic = pruneOlder(s.traffic, func(t trafficSample) clock.Ticks { return t.tick }, oldest)
    s.recvIDs = pruneOlder(s.recvIDs, func(r recvPacketSample) clock.Ticks { return r.tick }, oldest)
    for len(s.ping) > 0 && !clock.IsNewer(s.ping[0].sentTick, oldest) {
        s.ping = s.ping[1:]
    }

    s.rates = Rates{}
    if len(s.traffic) > 1 {
        var total trafficSample
        for _, t := range s.traffic {
            total.bytesIn += t.bytesIn
            total.bytesOut += t.bytesOut
            total.packetsIn += t.packetsIn
            total.packetsOut += t.packetsOut
            total.messagesIn += t.messagesIn
            total.messagesOut += t.messagesOut
        }
        secs := clock.ToMilliseconds(s.traffic[len(s.traffic)-1].tick-s.traffic[0].tick) / 1000
        if secs > 0 {
            s.rates.BytesIn = float64(total.bytesIn) / secs
            s.rates.BytesOut = float64(total.bytesOut) / secs
            s.rates.PacketsIn = float64(total.packetsIn) / secs
            s.rates.PacketsOut = float64(total.packetsOut) / secs
            s.rates.MessagesIn = float64(total.messagesIn) / secs
            s.rates.MessagesOut = float64(total.messagesOut) / secs
        }
    }
    s.computePacketLossLocked(now, oldest)
}

// computePacketLossLocked estimates inbound loss from the gaps in the
// received packet id sequence over the stats window.
func (s *Statistics) computePacketLossLocked(now, oldest clock.Ticks) {
    if len(s.recvIDs) <= 1 {
        return
    }
    // Normalize ids against the oldest one so the sort is wrap-safe.
    oldestIdx := 0
    for i := 1; i < len(s.recvIDs); i++ {
        if wire.PacketIDIsNewerThan(s.recvIDs[oldestIdx].packetID, s.recvIDs[i].packetID) {
            oldestIdx = i
        }
    }
    base := s.recvIDs[oldestIdx].packetID
    rel := make([]uint32, len(s.recvIDs))
    for i, r := range s.recvIDs {
        rel[i] = wire.SubPacketID(r.packetID, base)
    }
    sortUint32(rel)
    missed := 0
    for i := 0; i+1 < len(rel); i++ {
        missed += int(rel[i+1] - rel[i] - 1)
    }
    s.rates.PacketLossRate = float64(missed) / float64(len(rel)+missed)
    windowMS := clock.ToMilliseconds(clock.TicksInBetween(now, oldest))
    if windowMS > 0 {
        s.rates.PacketLossCount = float64(missed) * 1000 / windowMS
    }
}

// Rates returns the most recently computed per-second rates.
func (s *Statistics) Rates() Rates {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.rates
}

// Reset drops all samples.
func (s *Statistics) Reset() {
    s.mu.Lock()
    s.traffic = nil
    s.ping = nil
    s.recvIDs = nil
    s.mu.Unlock()
}

func pruneOlder[T any](samples []T, tickOf func(T) clock.Ticks, oldest clock.Ticks) []T {
    i := 0
    for i < len(samples) && !clock.IsNewer(tickOf(samples[i]), oldest) {
        i++
    }
    if i == 0 {
        return samples
    }
    return append(samples[:0], samples[i:]...)
}

func sortUint32(v []uint32) {
    // Insertion sort; the window holds a few thousand entries at most
    // and is nearly sorted already.
    for i := 1; i < len(v); i++ {
        x := v[i]
        j := i - 1
        for j >= 0 && v[j] > x {
            v[j+1] = v[j]
            j--
        }
        v[j+1] = x
    }
}
