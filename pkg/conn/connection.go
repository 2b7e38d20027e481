package conn

import (
    "errors"
    "math"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "msglink/pkg/clock"
    "msglink/pkg/observability"
    "msglink/pkg/ring"
)

// State is the connection lifecycle state.
type State int32

const (
    // StatePending is a dialed connection waiting for the first
    // inbound datagram.
    StatePending State = iota
    // StateOK is an established connection.
    StateOK
    // StateDisconnecting means a Disconnect has been sent and the
    // DisconnectAck is awaited.
    StateDisconnecting
    // StatePeerClosed means the peer will send no more data.
    StatePeerClosed
    // StateClosed is terminal.
    StateClosed
)

func (s State) String() string {
    switch s {
    case StatePending:
        return "pending"
    case StateOK:
        return "ok"
    case StateDisconnecting:
        return "disconnecting"
    case StatePeerClosed:
        return "peer-closed"
    case StateClosed:
        return "closed"
    default:
        return "unknown"
    }
}

// Handler consumes decoded application messages on the application
// thread, and assigns content ids for inbound coalescing on the worker.
type Handler interface {
    // HandleMessage is invoked from ProcessMessages for each delivered
    // message. The data slice is only valid during the call.
    HandleMessage(id uint32, data []byte)
    // ComputeContentID returns the content id of an inbound message,
    // zero for messages that never coalesce.
    ComputeContentID(id uint32, data []byte) uint32
}

// Errors surfaced to the submitting application.
var (
    // ErrQueueFull means a reliable message could not be accepted
    // because the outbound accept queue is full.
    ErrQueueFull = errors.New("conn: outbound accept queue full")
    // ErrConnectionClosed means the connection can no longer send.
    ErrConnectionClosed = errors.New("conn: connection closed")
)

// Options tune one connection. The zero value selects the defaults.
type Options struct {
    // AcceptQueueCapacity bounds the application-to-worker ring.
    AcceptQueueCapacity int
    // InboundQueueCapacity bounds the worker-to-application ring.
    InboundQueueCapacity int
    // ReceivedIDCapacity bounds the duplicate-suppression id set.
    ReceivedIDCapacity int
    // ReliableWindowCapacity bounds the seen reliable-number window.
    ReliableWindowCapacity int
    // MaxSendSize caps the size of one datagram.
    MaxSendSize int
    // TargetSendRate is the AIMD ceiling in datagrams/second.
    TargetSendRate float64

    // Timers, milliseconds. Zero selects the default.
    PingIntervalMS      float64
    StatsRefreshMS      float64
    ConnectionLostMS    float64
    UpdateTickMS        float64
    MaxAckDelayMS       float64
    DisconnectTimeoutMS int

    Logger *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.AcceptQueueCapacity <= 0 {
        o.AcceptQueueCapacity = 256 * 1024
    }
    if o.InboundQueueCapacity <= 0 {
        o.InboundQueueCapacity = 512 * 1024
    }
    if o.ReceivedIDCapacity <= 0 {
        o.ReceivedIDCapacity = 64 * 1024
    }
    if o.ReliableWindowCapacity <= 0 {
        o.ReliableWindowCapacity = 64 * 1024
    }
    if o.MaxSendSize <= 0 {
        o.MaxSendSize = DefaultMaxSendSize
    }
    if o.TargetSendRate <= 0 {
        o.TargetSendRate = defaultTargetSendRate
    }
    if o.PingIntervalMS <= 0 {
        o.PingIntervalMS = 3500
    }
    if o.StatsRefreshMS <= 0 {
        o.StatsRefreshMS = 1000
    }
    if o.ConnectionLostMS <= 0 {
        o.ConnectionLostMS = 15000
    }
    if o.UpdateTickMS <= 0 {
        o.UpdateTickMS = 10
    }
    if o.MaxAckDelayMS <= 0 {
        o.MaxAckDelayMS = 33
    }
    if o.DisconnectTimeoutMS <= 0 {
        o.DisconnectTimeoutMS = 5000
    }
    if o.Logger == nil {
        o.Logger = zap.L()
    }
    return o
}

// sendHeaderUpperBound approximates the datagram plus message header
// overhead reserved when deciding whether a message needs splitting.
const sendHeaderUpperBound = 32

// acceptPerTick caps how many submitted messages the worker drains from
// the accept queue per tick, to throttle an over-eager application.
const acceptPerTick = 500

// connectionBase is the transport-independent part of a message
// connection: the cross-thread queues, numbering, content-id
// coalescing, fragment splitting, ping bookkeeping and the state
// machine. The UDP engine extends it.
type connectionBase struct {
    sock *Socket
    opts Options
    log  *zap.Logger

    state atomic.Int32

    pool         *messagePool
    acceptQueue  *ring.SPSC[*Message]
    inboundQueue *ring.SPSC[*Message]
    sendQueue    sendQueue // worker-only

    messageNumber         atomic.Uint32
    reliableMessageNumber atomic.Uint32

    outboundPaused atomic.Bool
    wake           atomic.Value // func() installed by the worker

    fragMu    sync.Mutex
    fragSends *FragmentedSendManager

    contentOut *outboundContentTrack // worker-only

    handler atomic.Value // Handler

    stats         *Statistics
    lastHeardTick atomic.Int64
    rttBits       atomic.Uint64

    pingTimer  clock.PolledTimer // worker-only
    statsTimer clock.PolledTimer // worker-only

    disconnectSent bool // app thread, under discMu
    discMu         sync.Mutex
}

func (c *connectionBase) init(sock *Socket, initial State, opts Options) {
    c.sock = sock
    c.opts = opts
    c.log = observability.ConnLogger(opts.Logger, sock.String())
    c.state.Store(int32(initial))
    c.pool = newMessagePool()
    c.acceptQueue = ring.New[*Message](opts.AcceptQueueCapacity)
    c.inboundQueue = ring.New[*Message](opts.InboundQueueCapacity)
    c.fragSends = newFragmentedSendManager(c.log)
    c.contentOut = newOutboundContentTrack()
    c.stats = newStatistics()
    c.lastHeardTick.Store(int64(clock.Now()))
}

// State returns the current lifecycle state.
func (c *connectionBase) State() State { return State(c.state.Load()) }

func (c *connectionBase) setState(s State) { c.state.Store(int32(s)) }

// transition moves from to to, failing when another state change won.
func (c *connectionBase) transition(from, to State) bool {
    return c.state.CompareAndSwap(int32(from), int32(to))
}

// RegisterHandler installs the inbound message handler.
func (c *connectionBase) RegisterHandler(h Handler) { c.handler.Store(&h) }

func (c *connectionBase) currentHandler() Handler {
    if p, ok := c.handler.Load().(*Handler); ok && p != nil {
        return *p
    }
    return nil
}

// SetWake installs the worker's wake callback.
func (c *connectionBase) SetWake(fn func()) {
    if fn == nil {
        fn = func() {}
    }
    c.wake.Store(fn)
}

func (c *connectionBase) signalOutbound() {
    if c.outboundPaused.Load() {
        return
    }
    if fn, ok := c.wake.Load().(func()); ok && fn != nil {
        fn()
    }
}

// PauseOutboundSends stops the worker from serializing new datagrams
// for this connection; submissions keep accumulating.
func (c *connectionBase) PauseOutboundSends() { c.outboundPaused.Store(true) }

// ResumeOutboundSends re-enables sending.
func (c *connectionBase) ResumeOutboundSends() {
    c.outboundPaused.Store(false)
    if c.NumOutboundMessagesPending() > 0 {
        c.signalOutbound()
    }
}

// IsWriteOpen reports whether new outbound messages can still be sent.
func (c *connectionBase) IsWriteOpen() bool {
    s := c.State()
    return c.sock.IsWriteOpen() && s != StateDisconnecting && s != StateClosed
}

// IsReadOpen reports whether more inbound messages can still arrive.
func (c *connectionBase) IsReadOpen() bool {
    if c.inboundQueue.Len() > 0 {
        return true
    }
    s := c.State()
    if s == StatePeerClosed || s == StateClosed {
        return false
    }
    return c.sock.IsReadOpen()
}

// NumOutboundMessagesPending counts messages waiting to be serialized.
func (c *connectionBase) NumOutboundMessagesPending() int {
    return c.acceptQueue.Len() + c.sendQueue.Len()
}

// NumInboundMessagesPending counts delivered messages the application
// has not picked up yet.
func (c *connectionBase) NumInboundMessagesPending() int {
    return c.inboundQueue.Len()
}

// RoundTripTime returns the ping-measured RTT in milliseconds.
func (c *connectionBase) RoundTripTime() float64 {
    return math.Float64frombits(c.rttBits.Load())
}

func (c *connectionBase) updateRTT(measuredMS float64) {
    // EWMA with a 0.5 bias toward the new measurement.
    old := c.RoundTripTime()
    if old == 0 {
        old = measuredMS
    }
    c.rttBits.Store(math.Float64bits(0.5*measuredMS + 0.5*old))
}

// LastHeardMilliseconds returns how long ago the last inbound byte
// arrived.
func (c *connectionBase) LastHeardMilliseconds() float64 {
    return clock.ToMilliseconds(clock.TicksInBetween(clock.Now(), clock.Ticks(c.lastHeardTick.Load())))
}

func (c *connectionBase) touchLastHeard() {
    c.lastHeardTick.Store(int64(clock.Now()))
}

// Stats returns the latest per-second traffic rates.
func (c *connectionBase) Stats() Rates { return c.stats.Rates() }

// Statistics exposes the sample store, mainly for status dumps.
func (c *connectionBase) Statistics() *Statistics { return c.stats }

// RemoteAddrString names the peer for logs and metric labels.
func (c *connectionBase) RemoteAddrString() string { return c.sock.RemoteAddr().String() }

// maxMessageSendSize is the largest single-message on-wire size; the
// 11-bit content length field caps it below the socket payload limit.
func (c *connectionBase) maxMessageSendSize() int {
    max := c.sock.MaxSendSize()
    if max > 2048 {
        max = 2048
    }
    return max
}

// StartNewMessage allocates an outbound message with an n-byte payload
// buffer. Fill Data and the flag fields, then hand it to
// EndAndQueueMessage.
func (c *connectionBase) StartNewMessage(id uint32, n int) *Message {
    m := c.pool.New(n)
    m.ID = id
    return m
}

// EndAndQueueMessage stages a prepared message for sending.
func (c *connectionBase) EndAndQueueMessage(m *Message) error {
    return c.endAndQueue(m, false)
}

// endAndQueue assigns numbering, splits oversize messages and enqueues.
// internal is true when called from the worker, which may push straight
// into the send queue.
func (c *connectionBase) endAndQueue(m *Message, internal bool) error {
    // Internal control messages (acks, the DisconnectAck) must still go
    // out while the disconnect handshake runs; only application
    // submissions are cut off at Disconnecting.
    writable := c.sock.IsWriteOpen() && c.State() != StateClosed
    if !internal {
        writable = c.IsWriteOpen()
    }
    if m.Obsolete || !writable {
        c.pool.Free(m)
        return ErrConnectionClosed
    }

    if len(m.Data)+sendHeaderUpperBound > c.maxMessageSendSize() {
        maxFragment := c.maxMessageSendSize()/4 - sendHeaderUpperBound
        return c.splitAndQueue(m, internal, maxFragment)
    }

    m.MessageNumber = c.messageNumber.Add(1) - 1
    if m.Reliable {
        m.ReliableMessageNumber = c.reliableMessageNumber.Add(1) - 1
    }
    m.SendCount = 0

    if internal {
        c.sendQueue.Push(m)
    } else {
        if !c.acceptQueue.Push(m) {
            if m.Reliable {
                c.log.Error("outbound accept queue full, dropping reliable message",
                    zap.Uint32("id", m.ID), zap.Int("size", len(m.Data)))
                c.pool.Free(m)
                return ErrQueueFull
            }
            c.pool.Free(m)
            return nil
        }
    }
    c.signalOutbound()
    return nil
}

// splitAndQueue breaks an oversize message into roughly equal reliable
// fragments sharing one transfer, frees the original, and enqueues the
// fragments.
func (c *connectionBase) splitAndQueue(m *Message, internal bool, maxFragmentSize int) error {
    if maxFragmentSize <= 0 {
        c.pool.Free(m)
        return errors.New("conn: max send size too small to fragment")
    }
    totalFragments := (len(m.Data) + maxFragmentSize - 1) / maxFragmentSize

    if !m.Reliable {
        c.log.Debug("upgrading fragmented message to reliable",
            zap.Uint32("id", m.ID), zap.Int("size", len(m.Data)))
    }
    reliableNumber := c.reliableMessageNumber.Add(1) - 1

    if !internal && c.acceptQueue.CapacityLeft() < totalFragments {
        c.log.Error("outbound accept queue cannot hold fragments",
            zap.Uint32("id", m.ID), zap.Int("fragments", totalFragments))
        c.pool.Free(m)
        return ErrQueueFull
    }

    c.fragMu.Lock()
    transfer := c.fragSends.AllocateNewTransfer(uint32(totalFragments))
    for index, offset := 0, 0; offset < len(m.Data); index++ {
        size := maxFragmentSize
        if offset+size > len(m.Data) {
            size = len(m.Data) - offset
        }
        f := c.StartNewMessage(m.ID, size)
        copy(f.Data, m.Data[offset:offset+size])
        f.ContentID = m.ContentID
        f.InOrder = m.InOrder
        f.Reliable = true
        f.Priority = m.Priority
        f.MessageNumber = c.messageNumber.Add(1) - 1
        f.ReliableMessageNumber = reliableNumber
        f.FragmentIndex = uint32(index)
        transfer.AddMessage(f)

        if internal {
            c.sendQueue.Push(f)
        } else if !c.acceptQueue.Push(f) {
            // Capacity was checked above; a failure here means the
            // producer contract was broken elsewhere.
            c.log.Error("accept queue rejected fragment", zap.Uint32("id", f.ID))
            c.pool.Free(f)
        }
        offset += size
    }
    c.fragMu.Unlock()

    c.pool.Free(m)
    c.signalOutbound()
    return nil
}

// SendMessage copies payload into a pooled message and stages it for
// sending with the given delivery attributes.
func (c *connectionBase) SendMessage(id uint32, reliable, inOrder bool, priority, contentID uint32, payload []byte) error {
    m := c.StartNewMessage(id, len(payload))
    m.Reliable = reliable
    m.InOrder = inOrder
    m.Priority = priority
    m.ContentID = contentID
    copy(m.Data, payload)
    return c.endAndQueue(m, false)
}

// acceptOutboundMessages drains up to acceptPerTick submitted messages
// from the accept queue into the send priority queue, applying
// content-id coalescing. Draining runs in Pending too — the first
// outbound datagram doubles as the connection attempt — and continues
// through Disconnecting so a staged Disconnect request still reaches
// the wire. Worker only.
func (c *connectionBase) acceptOutboundMessages() {
    if s := c.State(); s != StateOK && s != StatePending && s != StateDisconnecting {
        return
    }
    for i := 0; i < acceptPerTick; i++ {
        m, ok := c.acceptQueue.Pop()
        if !ok {
            return
        }
        c.sendQueue.Push(m)
        c.contentOut.CheckAndSave(m)
    }
}

// freeMessageWorker releases a message from the worker, clearing any
// content-id slot or fragment transfer that still references it.
func (c *connectionBase) freeMessageWorker(m *Message) {
    c.contentOut.Clear(m)
    if m.transfer != nil {
        c.fragMu.Lock()
        c.fragSends.RemoveMessage(m.transfer, m)
        c.fragMu.Unlock()
    }
    c.pool.Free(m)
}

// detectConnectionTimeout closes the connection when nothing has been
// heard from the peer for the liveness window.
func (c *connectionBase) detectConnectionTimeout() {
    if c.State() == StateClosed {
        return
    }
    since := c.LastHeardMilliseconds()
    if since > c.opts.ConnectionLostMS {
        c.log.Info("liveness timeout, closing connection",
            zap.Float64("last_heard_ms", since))
        c.setState(StateClosed)
    }
}

// setPeerClosed records that the peer will send no more data.
func (c *connectionBase) setPeerClosed() {
    switch c.State() {
    case StatePending:
        // The peer rejected the connection attempt; tear down.
        c.setState(StateClosed)
    case StateOK:
        c.setState(StatePeerClosed)
    case StateDisconnecting:
        c.setState(StateClosed)
    }
}

// syncStateWithSocket propagates socket-level closure into the state
// machine.
func (c *connectionBase) syncStateWithSocket() {
    readOpen, writeOpen := c.sock.IsReadOpen(), c.sock.IsWriteOpen()
    switch {
    case !readOpen && !writeOpen:
        c.setState(StateClosed)
    case !readOpen && c.State() != StateClosed:
        c.setState(StatePeerClosed)
    case !writeOpen && c.State() != StateClosed:
        c.setState(StateDisconnecting)
    }
}

// ProcessMessages pops delivered messages and dispatches them to the
// registered handler on the calling thread. max bounds the number
// handled per call; zero drains everything pending. Returns the number
// dispatched.
func (c *connectionBase) ProcessMessages(max int) int {
    h := c.currentHandler()
    processed := 0
    for max == 0 || processed < max {
        m, ok := c.inboundQueue.Pop()
        if !ok {
            break
        }
        if h != nil {
            h.HandleMessage(m.ID, m.Data)
        } else {
            c.log.Warn("inbound message dropped, no handler registered", zap.Uint32("id", m.ID))
        }
        c.pool.Free(m)
        processed++
    }
    return processed
}

// WaitForMessage polls until a message is pending, the connection
// leaves StateOK, or maxMSecsToWait elapses. Zero waits indefinitely.
func (c *connectionBase) WaitForMessage(maxMSecsToWait int) {
    if c.inboundQueue.Len() > 0 {
        return
    }
    var timer clock.PolledTimer
    if maxMSecsToWait > 0 {
        timer.StartMSecs(float64(maxMSecsToWait))
    }
    for c.inboundQueue.Len() == 0 && c.State() == StateOK {
        if maxMSecsToWait > 0 && timer.Triggered() {
            return
        }
        clock.Sleep(1)
    }
}

// ReceiveMessage pops one delivered message, waiting up to
// maxMSecsToWait when none is pending (negative means do not wait).
// The caller returns the message with FreeMessage.
func (c *connectionBase) ReceiveMessage(maxMSecsToWait int) *Message {
    if c.inboundQueue.Len() == 0 && maxMSecsToWait >= 0 {
        c.WaitForMessage(maxMSecsToWait)
    }
    m, _ := c.inboundQueue.Pop()
    return m
}

// FreeMessage returns a message obtained from ReceiveMessage.
func (c *connectionBase) FreeMessage(m *Message) { c.pool.Free(m) }

// WaitToEstablishConnection blocks until the pending connection is
// established or the timeout elapses, reporting success.
func (c *connectionBase) WaitToEstablishConnection(maxMSecsToWait int) bool {
    if c.State() != StatePending {
        return c.State() == StateOK
    }
    var timer clock.PolledTimer
    timer.StartMSecs(float64(maxMSecsToWait))
    for c.State() == StatePending && !timer.Triggered() {
        clock.Sleep(1)
    }
    return c.State() == StateOK
}

// freeMessageData releases everything queued in either direction.
// Called on the terminal path; the worker no longer touches the
// connection at that point.
func (c *connectionBase) freeMessageData() {
    for {
        m, ok := c.acceptQueue.Pop()
        if !ok {
            break
        }
        c.pool.Free(m)
    }
    for {
        m, ok := c.inboundQueue.Pop()
        if !ok {
            break
        }
        c.pool.Free(m)
    }
    c.sendQueue.Drain(c.pool.Free)
    c.contentOut.Reset()
    c.fragMu.Lock()
    c.fragSends.FreeAll()
    c.fragMu.Unlock()
    c.stats.Reset()
}
