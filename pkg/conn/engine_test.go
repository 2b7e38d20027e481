package conn

import (
    "bytes"
    "fmt"
    "net"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap"
)

// testPair wires two engines across real loopback sockets, demuxed the
// way a server would so each side shares its listen socket.
type testPair struct {
    a, b   *UDPConnection
    la, lb *net.UDPConn
}

func newTestPair(t *testing.T, opts Options) *testPair {
    t.Helper()

    la, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
    if err != nil {
        t.Fatalf("listen a: %v", err)
    }
    lb, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
    if err != nil {
        t.Fatalf("listen b: %v", err)
    }

    opts.Logger = zap.NewNop()
    sa := NewDemuxed(la, lb.LocalAddr().(*net.UDPAddr), opts.MaxSendSize, opts.Logger)
    sb := NewDemuxed(lb, la.LocalAddr().(*net.UDPAddr), opts.MaxSendSize, opts.Logger)

    p := &testPair{
        a:  NewAccepted(sa, opts),
        b:  NewAccepted(sb, opts),
        la: la,
        lb: lb,
    }
    // The test loop plays the worker, so mark both connections
    // worker-managed: Close must not tear down queues the loop may
    // still be touching.
    p.a.SetWake(func() {})
    p.b.SetWake(func() {})
    go feed(la, sa)
    go feed(lb, sb)
    t.Cleanup(func() {
        p.a.Close(0)
        p.b.Close(0)
        la.Close()
        lb.Close()
    })
    return p
}

// feed plays the server read loop for one side.
func feed(l *net.UDPConn, s *Socket) {
    buf := make([]byte, 64*1024)
    for {
        n, _, err := l.ReadFromUDP(buf)
        if err != nil {
            return
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        s.PushDatagram(pkt)
    }
}

// pump drives both engines until cond holds or the timeout elapses.
func (p *testPair) pump(t *testing.T, timeout time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        for _, c := range []*UDPConnection{p.a, p.b} {
            c.UpdateConnection()
            c.ReadSocket()
            c.SendOutPackets()
        }
        if cond() {
            return
        }
        time.Sleep(time.Millisecond)
    }
    t.Fatalf("condition not reached within %s", timeout)
}

// collector records delivered messages.
type collector struct {
    mu       sync.Mutex
    messages []*Message
    contentA func(id uint32, data []byte) uint32
}

func (h *collector) HandleMessage(id uint32, data []byte) {
    h.mu.Lock()
    defer h.mu.Unlock()
    h.messages = append(h.messages, &Message{ID: id, Data: append([]byte(nil), data...)})
}

func (h *collector) ComputeContentID(id uint32, data []byte) uint32 {
    if h.contentA == nil {
        return 0
    }
    return h.contentA(id, data)
}

func (h *collector) count() int {
    h.mu.Lock()
    defer h.mu.Unlock()
    return len(h.messages)
}

func (h *collector) payloads() [][]byte {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([][]byte, len(h.messages))
    for i, m := range h.messages {
        out[i] = m.Data
    }
    return out
}

func TestReliableDelivery(t *testing.T) {
    p := newTestPair(t, Options{})
    got := &collector{}
    p.b.RegisterHandler(got)

    const n = 40
    for i := 0; i < n; i++ {
        payload := []byte(fmt.Sprintf("msg-%03d", i))
        if err := p.a.SendMessage(100, true, false, 10, 0, payload); err != nil {
            t.Fatalf("send %d: %v", i, err)
        }
    }

    p.pump(t, 10*time.Second, func() bool {
        p.b.ProcessMessages(0)
        return got.count() == n && p.a.NumInFlightDatagrams() == 0
    })

    seen := map[string]int{}
    for _, data := range got.payloads() {
        seen[string(data)]++
    }
    if len(seen) != n {
        t.Fatalf("distinct payloads: %d, want %d", len(seen), n)
    }
    for k, c := range seen {
        if c != 1 {
            t.Fatalf("payload %q delivered %d times", k, c)
        }
    }
}

func TestUnreliableDelivery(t *testing.T) {
    p := newTestPair(t, Options{})
    got := &collector{}
    p.b.RegisterHandler(got)

    if err := p.a.SendMessage(200, false, false, 10, 0, []byte("fire-and-forget")); err != nil {
        t.Fatalf("send: %v", err)
    }
    p.pump(t, 5*time.Second, func() bool {
        p.b.ProcessMessages(0)
        return got.count() >= 1
    })
    if p.a.NumInFlightDatagrams() != 0 {
        t.Fatalf("unreliable send left an ack track")
    }
}

func TestContentIDCoalescingWhilePaused(t *testing.T) {
    p := newTestPair(t, Options{})
    got := &collector{}
    p.b.RegisterHandler(got)

    p.a.PauseOutboundSends()
    if err := p.a.SendMessage(7, false, false, 10, 42, []byte("a")); err != nil {
        t.Fatalf("send m1: %v", err)
    }
    if err := p.a.SendMessage(7, false, false, 10, 42, []byte("b")); err != nil {
        t.Fatalf("send m2: %v", err)
    }

    // Let the worker-side accept pass run while sends stay paused, so
    // the collision is observed before anything is serialized.
    deadline := time.Now().Add(time.Second)
    for p.a.acceptQueue.Len() > 0 && time.Now().Before(deadline) {
        p.a.UpdateConnection()
        time.Sleep(time.Millisecond)
    }

    p.a.ResumeOutboundSends()
    p.pump(t, 5*time.Second, func() bool {
        p.b.ProcessMessages(0)
        return got.count() >= 1
    })

    // Give any stray duplicate a moment to arrive before asserting.
    time.Sleep(50 * time.Millisecond)
    p.b.ReadSocket()
    p.b.ProcessMessages(0)

    payloads := got.payloads()
    if len(payloads) != 1 {
        t.Fatalf("delivered %d messages, want 1", len(payloads))
    }
    if !bytes.Equal(payloads[0], []byte("b")) {
        t.Fatalf("delivered %q, want %q", payloads[0], "b")
    }
}

func TestFragmentedTransferRoundTrip(t *testing.T) {
    p := newTestPair(t, Options{})
    got := &collector{}
    p.b.RegisterHandler(got)

    blob := make([]byte, 20*1024)
    for i := range blob {
        blob[i] = byte(i * 31)
    }
    if err := p.a.SendMessage(300, true, false, 10, 0, blob); err != nil {
        t.Fatalf("send blob: %v", err)
    }

    p.pump(t, 20*time.Second, func() bool {
        p.b.ProcessMessages(0)
        return got.count() == 1 && p.a.NumInFlightDatagrams() == 0
    })

    payloads := got.payloads()
    if !bytes.Equal(payloads[0], blob) {
        t.Fatalf("reassembled blob differs: %d bytes vs %d", len(payloads[0]), len(blob))
    }

    p.a.fragMu.Lock()
    open := p.a.fragSends.NumTransfers()
    p.a.fragMu.Unlock()
    if open != 0 {
        t.Fatalf("%d fragmented transfers still open after ack", open)
    }
    if p.b.reassembly.NumTransfers() != 0 {
        t.Fatalf("receiver kept %d reassembly buffers", p.b.reassembly.NumTransfers())
    }
}

func TestPingMeasuresRTT(t *testing.T) {
    p := newTestPair(t, Options{})
    p.pump(t, 5*time.Second, func() bool {
        return p.a.RoundTripTime() > 0
    })
    if rtt := p.a.RoundTripTime(); rtt <= 0 || rtt > 1000 {
        t.Fatalf("loopback rtt %.2fms", rtt)
    }
}

func TestDisconnectHandshake(t *testing.T) {
    p := newTestPair(t, Options{})

    stop := make(chan struct{})
    var wg sync.WaitGroup
    wg.Add(1)
    go func() {
        defer wg.Done()
        for {
            select {
            case <-stop:
                return
            default:
            }
            for _, c := range []*UDPConnection{p.a, p.b} {
                c.UpdateConnection()
                c.ReadSocket()
                c.SendOutPackets()
            }
            time.Sleep(time.Millisecond)
        }
    }()

    p.a.Disconnect(5000)
    close(stop)
    wg.Wait()

    if p.a.State() != StateClosed {
        t.Fatalf("initiator state %s, want closed", p.a.State())
    }
    // The acceptor closes once the datagram carrying its DisconnectAck
    // has flushed, which happened before the initiator saw it.
    if p.b.State() != StateClosed {
        t.Fatalf("acceptor state %s, want closed", p.b.State())
    }
}

func TestDisconnectIsIdempotent(t *testing.T) {
    p := newTestPair(t, Options{})
    p.a.Disconnect(0)
    p.a.Disconnect(0)
    p.a.Disconnect(0)
    if p.a.State() != StateDisconnecting {
        t.Fatalf("state %s after repeated Disconnect", p.a.State())
    }
    p.a.discMu.Lock()
    sent := p.a.disconnectSent
    p.a.discMu.Unlock()
    if !sent {
        t.Fatalf("disconnect message never staged")
    }
    // Exactly one Disconnect staged: the accept queue holds it and the
    // second and third calls added nothing.
    if n := p.a.acceptQueue.Len(); n != 1 {
        t.Fatalf("%d messages staged by three Disconnect calls", n)
    }
}

func TestQueueFullReliableSubmission(t *testing.T) {
    p := newTestPair(t, Options{AcceptQueueCapacity: 4})
    p.a.PauseOutboundSends()

    var sawErr bool
    for i := 0; i < 64; i++ {
        if err := p.a.SendMessage(1, true, false, 0, 0, []byte("x")); err == ErrQueueFull {
            sawErr = true
            break
        }
    }
    if !sawErr {
        t.Fatalf("reliable sends never failed loudly with a full accept queue")
    }

    // Unreliable messages drop silently on the same full queue.
    if err := p.a.SendMessage(1, false, false, 0, 0, []byte("x")); err != nil {
        t.Fatalf("unreliable send errored: %v", err)
    }
}

func TestLivenessTimeoutClosesConnection(t *testing.T) {
    p := newTestPair(t, Options{ConnectionLostMS: 150})
    // Only drive A, and drop everything B would have answered with by
    // never pumping it.
    deadline := time.Now().Add(5 * time.Second)
    for p.a.State() != StateClosed && time.Now().Before(deadline) {
        p.a.UpdateConnection()
        p.a.SendOutPackets()
        time.Sleep(5 * time.Millisecond)
    }
    if p.a.State() != StateClosed {
        t.Fatalf("connection never closed without inbound traffic")
    }
}
