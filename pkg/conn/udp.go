package conn

import (
    "encoding/binary"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "msglink/pkg/clock"
    "msglink/pkg/observability"
    "msglink/pkg/wire"
)

// Engine limits per worker tick.
const (
    // maxDatagramsToReadPerTick throttles the read loop so sending
    // still gets time under inbound floods.
    maxDatagramsToReadPerTick = 2048
    // maxSendsPerTick caps datagrams produced in one tick.
    maxSendsPerTick = 50
    // maxAcksPerMessage is how many packet ids one PacketAck carries:
    // the base plus a 32-bit bitfield.
    maxAcksPerMessage = 33
    // packetAckPayloadSize is the fixed PacketAck payload layout:
    // u8 base-low, u16 base-high, u32 bitfield.
    packetAckPayloadSize = 7
    // inboundQueueSlack: a datagram is dropped whole when fewer slots
    // than this remain, so its messages are never partially applied.
    inboundQueueSlack = 64
)

type packetSendResult int

const (
    packetSendOK packetSendResult = iota
    packetSendNoMessages
    packetSendThrottled
    packetSendSocketClosed
)

// UDPConnection is the datagram protocol engine for one peer. It
// extends the generic message-connection scaffolding with packet
// acknowledgement tracking, retransmission, fragment reassembly and
// AIMD-paced sending. All engine internals are worker-only.
type UDPConnection struct {
    connectionBase

    packetIDCounter wire.PacketID
    flow            *flowControl
    ackTracks       ackTrackQueue

    // Pending outbound acks for received reliable datagrams, coalesced
    // into PacketAck messages by the update tick.
    ackMu           sync.Mutex
    pendingAcks     map[wire.PacketID]clock.Ticks
    pendingAckOrder []wire.PacketID

    recvIDs    *packetIDSet
    relWindow  *reliableWindow
    contentIn  *inboundContentTrack
    reassembly *ReassemblyManager

    updateTimer clock.PolledTimer

    metrics *observability.ConnInstruments

    attached    atomic.Bool
    cleanupOnce sync.Once

    // Scratch reused across sends.
    packBuf []byte
    batch   []*Message
    skipped []*Message
}

// Connect dials a UDP peer and returns a pending connection. Add it to
// a worker, then WaitToEstablishConnection.
func Connect(address string, opts Options) (*UDPConnection, error) {
    opts = opts.withDefaults()
    sock, err := Dial(address, opts.MaxSendSize, opts.Logger)
    if err != nil {
        return nil, err
    }
    return newUDPConnection(sock, StatePending, opts), nil
}

// NewAccepted wraps a server-demuxed socket as an established
// connection.
func NewAccepted(sock *Socket, opts Options) *UDPConnection {
    return newUDPConnection(sock, StateOK, opts.withDefaults())
}

func newUDPConnection(sock *Socket, initial State, opts Options) *UDPConnection {
    c := &UDPConnection{
        pendingAcks: make(map[wire.PacketID]clock.Ticks),
        recvIDs:     newPacketIDSet(opts.ReceivedIDCapacity),
        relWindow:   newReliableWindow(opts.ReliableWindowCapacity),
        contentIn:   newInboundContentTrack(),
        reassembly:  newReassemblyManager(),
        flow:        newFlowControl(opts.TargetSendRate, clock.Now()),
        metrics:     observability.ForConn(sock.RemoteAddr().String()),
    }
    c.init(sock, initial, opts)
    return c
}

// SetWake installs the worker's wake callback on the connection and
// its socket, and marks the connection worker-managed: final resource
// release then happens when the worker prunes it.
func (c *UDPConnection) SetWake(fn func()) {
    c.connectionBase.SetWake(fn)
    c.sock.SetWake(fn)
    c.attached.Store(fn != nil)
}

// ReadSocket drains buffered inbound datagrams, up to the per-tick
// read budget. Worker only.
func (c *UDPConnection) ReadSocket() {
    totalBytes := 0
    for reads := 0; reads < maxDatagramsToReadPerTick; reads++ {
        data, ok := c.sock.ReadDatagram()
        if !ok {
            break
        }
        totalBytes += len(data)
        c.extractDatagram(data)
    }
    if totalBytes > 0 {
        if c.transition(StatePending, StateOK) {
            c.log.Info("connection established")
        }
        c.stats.AddInbound(uint64(totalBytes), 0, 0)
        c.metrics.BytesIn.Add(float64(totalBytes))
    }
}

// queuePendingAck buffers an ack entry for a received reliable packet.
func (c *UDPConnection) queuePendingAck(id wire.PacketID) {
    c.ackMu.Lock()
    if _, ok := c.pendingAcks[id]; !ok {
        c.pendingAcks[id] = clock.Now()
        c.pendingAckOrder = append(c.pendingAckOrder, id)
    }
    c.ackMu.Unlock()
}

// extractDatagram parses one inbound datagram. Malformed framing
// aborts the remainder of the datagram but never the connection; an
// aborted datagram is not marked received, so a retransmit gets a
// fresh chance.
func (c *UDPConnection) extractDatagram(data []byte) {
    // No partial application: drop the whole datagram when the inbound
    // queue could not take all of its messages.
    if c.inboundQueue.CapacityLeft() < inboundQueueSlack {
        return
    }
    c.touchLastHeard()

    hdr, err := wire.ReadDatagramHeader(data)
    if err != nil {
        c.log.Debug("malformed datagram header", zap.Int("size", len(data)))
        return
    }
    pos := wire.DatagramHeaderSize

    // Ack before the duplicate check: the peer retransmits when our
    // previous ack was lost or delayed, and it needs this one.
    if hdr.Reliable {
        c.queuePendingAck(hdr.PacketID)
    }
    if c.recvIDs.Has(hdr.PacketID) {
        return
    }

    var relBase uint32
    if hdr.Reliable {
        v, n, err := wire.ReadVLE16_32(data[pos:])
        if err != nil {
            c.log.Debug("malformed reliable base", zap.Uint32("packet", uint32(hdr.PacketID)))
            return
        }
        relBase = v
        pos += n
    }
    // The in-order delta counter slot is reserved in the wire format
    // but not populated; cross-datagram ordering is unspecified.

    numMessages := uint64(0)
    for pos < len(data) {
        if len(data)-pos < 2 {
            c.log.Debug("truncated message header", zap.Int("pos", pos), zap.Int("size", len(data)))
            return
        }
        mh, _ := wire.ReadMessageHeader(data[pos:])
        pos += 2

        duplicate := false
        if mh.Reliable {
            delta, n, err := wire.ReadVLE8_16(data[pos:])
            if err != nil {
                c.log.Debug("malformed reliable delta", zap.Int("pos", pos))
                return
            }
            pos += n
            relNum := relBase + delta
            if c.relWindow.Has(relNum) {
                duplicate = true
            } else {
                c.relWindow.Add(relNum)
            }
        }
        if mh.ContentLength == 0 {
            c.log.Debug("zero-length message", zap.Int("pos", pos))
            return
        }

        var totalFragments uint32
        var transferID uint8
        var fragmentIndex uint32
        if mh.FirstFragment {
            v, n, err := wire.ReadVLE8_16_32(data[pos:])
            if err != nil || v <= 1 {
                c.log.Debug("malformed fragment count", zap.Int("pos", pos))
                return
            }
            totalFragments = v
            pos += n
        }
        if mh.Fragment {
            if pos >= len(data) {
                c.log.Debug("truncated transfer id", zap.Int("pos", pos))
                return
            }
            transferID = data[pos]
            pos++
        }
        if mh.Fragment && !mh.FirstFragment {
            v, n, err := wire.ReadVLE8_16_32(data[pos:])
            if err != nil {
                c.log.Debug("malformed fragment index", zap.Int("pos", pos))
                return
            }
            fragmentIndex = v
            pos += n
        }
        if len(data)-pos < int(mh.ContentLength) {
            c.log.Debug("truncated message content",
                zap.Int("pos", pos), zap.Uint16("content_length", mh.ContentLength))
            return
        }
        content := data[pos : pos+int(mh.ContentLength)]
        pos += int(mh.ContentLength)

        // Fragments dedup per index inside the reassembly buffer, so
        // they flow through it even when the reliable window already
        // saw the transfer's number on an earlier fragment.
        switch {
        case mh.FirstFragment:
            if c.reassembly.FragmentStart(transferID, totalFragments, content) {
                c.dispatchAssembled(hdr.PacketID, transferID)
                numMessages++
            }
        case mh.Fragment:
            ready, err := c.reassembly.Fragment(transferID, fragmentIndex, content)
            if err != nil {
                c.log.Debug("fragment rejected", zap.Error(err))
                return
            }
            if ready {
                c.dispatchAssembled(hdr.PacketID, transferID)
                numMessages++
            }
        case !duplicate:
            c.handleInboundMessage(hdr.PacketID, content)
            numMessages++
        }
    }

    c.recvIDs.Add(hdr.PacketID)
    c.stats.AddReceivedPacketID(hdr.PacketID)
    c.stats.AddInbound(0, 1, numMessages)
    c.metrics.DatagramsIn.Inc()
    c.metrics.MessagesIn.Add(float64(numMessages))
}

func (c *UDPConnection) dispatchAssembled(packetID wire.PacketID, transferID uint8) {
    assembled := c.reassembly.Assemble(transferID)
    c.reassembly.Free(transferID)
    c.handleInboundMessage(packetID, assembled)
}

// handleInboundMessage decodes the message id, consumes protocol
// control messages, applies inbound content-id screening and queues the
// rest for the application.
func (c *UDPConnection) handleInboundMessage(packetID wire.PacketID, data []byte) {
    id, n, err := wire.ReadVLE8_16_32(data)
    if err != nil {
        c.log.Debug("malformed message id", zap.Int("size", len(data)))
        return
    }
    body := data[n:]

    switch id {
    case wire.MsgIDPingRequest:
        c.handlePingRequest(body)
        return
    case wire.MsgIDPingReply:
        c.handlePingReply(body)
        return
    case wire.MsgIDPacketAck:
        c.handlePacketAck(body)
        return
    case wire.MsgIDDisconnect:
        c.handleDisconnect()
        return
    case wire.MsgIDDisconnectAck:
        c.handleDisconnectAck()
        return
    case wire.MsgIDFlowControlRequest:
        // Reserved; accepted on the wire and ignored.
        return
    }

    if h := c.currentHandler(); h != nil {
        if cid := h.ComputeContentID(id, body); cid != 0 {
            if !c.contentIn.CheckAndSave(id, cid, packetID, clock.Now()) {
                c.log.Debug("obsolete content, message skipped",
                    zap.Uint32("id", id), zap.Uint32("content", cid))
                return
            }
        }
    }

    m := c.pool.New(len(body))
    m.ID = id
    copy(m.Data, body)
    if !c.inboundQueue.Push(m) {
        c.log.Error("inbound queue full, message dropped",
            zap.Uint32("id", id), zap.Int("size", len(body)))
        c.pool.Free(m)
    }
}

func (c *UDPConnection) sendPingRequest() {
    id := c.stats.NewPing(clock.Now())
    m := c.StartNewMessage(wire.MsgIDPingRequest, 1)
    m.Data[0] = id
    m.Priority = MaxPriority - 2
    _ = c.endAndQueue(m, true)
}

func (c *UDPConnection) handlePingRequest(body []byte) {
    if len(body) != 1 {
        c.log.Debug("malformed ping request", zap.Int("size", len(body)))
        return
    }
    m := c.StartNewMessage(wire.MsgIDPingReply, 1)
    m.Data[0] = body[0]
    m.Priority = MaxPriority - 1
    _ = c.endAndQueue(m, true)
}

func (c *UDPConnection) handlePingReply(body []byte) {
    if len(body) != 1 {
        c.log.Debug("malformed ping reply", zap.Int("size", len(body)))
        return
    }
    measured, ok := c.stats.CompletePing(body[0], clock.Now())
    if !ok {
        c.log.Debug("unmatched ping reply", zap.Uint8("ping", body[0]))
        return
    }
    c.updateRTT(measured)
}

func (c *UDPConnection) handlePacketAck(body []byte) {
    if len(body) != packetAckPayloadSize {
        c.log.Debug("malformed packet ack", zap.Int("size", len(body)))
        return
    }
    base := wire.PacketID(body[0]) | wire.PacketID(binary.LittleEndian.Uint16(body[1:3]))<<8
    bits := binary.LittleEndian.Uint32(body[3:7])

    c.freeAckTrack(base)
    for i := 0; i < 32; i++ {
        if bits&(1<<i) != 0 {
            c.freeAckTrack(wire.AddPacketID(base, uint32(i+1)))
        }
    }
}

// freeAckTrack releases the bookkeeping of an acked reliable datagram:
// the carried messages are freed (detaching fragments from their
// transfers) and, when the datagram was sent exactly once, the round
// trip feeds the RTO estimator.
func (c *UDPConnection) freeAckTrack(id wire.PacketID) {
    t := c.ackTracks.Remove(id)
    if t == nil {
        return
    }
    for _, m := range t.messages {
        c.freeMessageWorker(m)
    }
    if t.sendCount <= 1 {
        c.flow.OnPacketAck(clock.ToMilliseconds(clock.TicksInBetween(clock.Now(), t.sentTick)))
    }
}

// processPacketTimeouts requeues the messages of expired reliable
// datagrams. Entries expire in send order, so the walk stops at the
// first live one.
func (c *UDPConnection) processPacketTimeouts() {
    now := clock.Now()
    for c.ackTracks.Len() > 0 {
        t := c.ackTracks.Front()
        if clock.IsNewer(t.timeoutTick, now) {
            return
        }
        c.log.Debug("reliable datagram timed out",
            zap.Uint32("packet", uint32(t.packetID)),
            zap.Int("messages", len(t.messages)),
            zap.Float64("age_ms", clock.ToMilliseconds(clock.TicksInBetween(now, t.sentTick))))
        c.flow.noteLossRate(t.datagramSendRate)
        c.flow.OnPacketLoss()
        c.metrics.Retransmits.Inc()
        // The messages go into a brand-new datagram with a new packet
        // id; the timed-out datagram itself is forgotten.
        for _, m := range t.messages {
            c.sendQueue.Push(m)
        }
        c.ackTracks.PopFront()
    }
}

// performPacketAckSends emits PacketAck messages once the oldest
// pending entry has waited long enough or a full message's worth has
// accumulated, then drains everything pending.
func (c *UDPConnection) performPacketAckSends() {
    now := clock.Now()

    c.ackMu.Lock()
    c.trimPendingAckOrder()
    triggered := false
    if len(c.pendingAckOrder) > 0 {
        oldest := c.pendingAcks[c.pendingAckOrder[0]]
        age := clock.ToMilliseconds(clock.TicksInBetween(now, oldest))
        triggered = age >= c.opts.MaxAckDelayMS || len(c.pendingAcks) >= maxAcksPerMessage
    }
    c.ackMu.Unlock()
    if !triggered {
        return
    }

    for {
        c.ackMu.Lock()
        c.trimPendingAckOrder()
        if len(c.pendingAckOrder) == 0 {
            c.ackMu.Unlock()
            return
        }
        base := c.pendingAckOrder[0]
        delete(c.pendingAcks, base)
        var bits uint32
        for i := 0; i < 32; i++ {
            id := wire.AddPacketID(base, uint32(i+1))
            if _, ok := c.pendingAcks[id]; ok {
                bits |= 1 << i
                delete(c.pendingAcks, id)
            }
        }
        c.ackMu.Unlock()

        m := c.StartNewMessage(wire.MsgIDPacketAck, packetAckPayloadSize)
        m.Data[0] = byte(base & 0xFF)
        binary.LittleEndian.PutUint16(m.Data[1:3], uint16(base>>8))
        binary.LittleEndian.PutUint32(m.Data[3:7], bits)
        m.Priority = MaxPriority - 1
        _ = c.endAndQueue(m, true)
    }
}

// trimPendingAckOrder drops order entries whose id was already packed
// into an earlier ack. ackMu held.
func (c *UDPConnection) trimPendingAckOrder() {
    for len(c.pendingAckOrder) > 0 {
        if _, ok := c.pendingAcks[c.pendingAckOrder[0]]; ok {
            return
        }
        c.pendingAckOrder = c.pendingAckOrder[1:]
    }
}

// UpdateConnection runs the periodic engine work: accepting submitted
// messages, ping/liveness, stats refresh and the 10 ms update tick
// (timeouts, flow control, ack emission). Worker only.
func (c *UDPConnection) UpdateConnection() {
    c.acceptOutboundMessages()

    // Pings also run while Pending: the first ping is the connection
    // attempt, and the peer's reply flips the state to OK.
    if s := c.State(); (s == StateOK || s == StatePending) && c.pingTimer.TriggeredOrNotRunning() {
        if !c.outboundPaused.Load() {
            c.sendPingRequest()
        }
        c.detectConnectionTimeout()
        c.pingTimer.StartMSecs(c.opts.PingIntervalMS)
    }

    if c.statsTimer.TriggeredOrNotRunning() {
        c.stats.Refresh()
        c.metrics.RTT.Set(c.RoundTripTime())
        c.metrics.SendRate.Set(c.flow.SendRate())
        s := c.State()
        if !c.sock.IsReadOpen() && (s == StatePending || s == StateOK) {
            c.log.Info("peer closed connection")
            c.setPeerClosed()
        }
        c.statsTimer.StartMSecs(c.opts.StatsRefreshMS)
    }

    if c.updateTimer.TriggeredOrNotRunning() {
        c.processPacketTimeouts()
        c.flow.HandleFrame(clock.Now())
        c.performPacketAckSends()
        c.updateTimer.StartMSecs(c.opts.UpdateTickMS)
    }
}

// TimeUntilCanSendPacket returns how long the pacing controller blocks
// the next datagram. Worker only.
func (c *UDPConnection) TimeUntilCanSendPacket() time.Duration {
    return time.Duration(c.flow.TimeUntilCanSend(clock.Now()) * float64(time.Millisecond))
}

// SendOutPackets serializes and sends as many datagrams as pacing
// allows this tick. Worker only.
func (c *UDPConnection) SendOutPackets() {
    result := packetSendOK
    for sends := 0; result == packetSendOK && c.TimeUntilCanSendPacket() == 0 && sends < maxSendsPerTick; sends++ {
        result = c.sendOutPacket()
    }
}

// sendOutPacket packs messages from the send queue into one datagram
// and writes it to the socket.
func (c *UDPConnection) sendOutPacket() packetSendResult {
    if !c.sock.IsWriteOpen() {
        return packetSendSocketClosed
    }
    if c.outboundPaused.Load() {
        return packetSendNoMessages
    }
    if c.sendQueue.Len() == 0 {
        return packetSendNoMessages
    }
    now := clock.Now()
    if !c.flow.CanSendNewDatagram(now) {
        return packetSendThrottled
    }

    maxSendSize := c.sock.MaxSendSize()
    c.batch = c.batch[:0]
    c.skipped = c.skipped[:0]

    reliable, inOrder := false, false
    packetSize := wire.DatagramHeaderSize
    var smallestRel uint32
    haveRel := false

    for c.sendQueue.Len() > 0 {
        m := c.sendQueue.Peek()
        if m.Obsolete {
            c.sendQueue.Pop()
            c.freeMessageWorker(m)
            continue
        }
        // A fragment needs a live transfer id before it can go on the
        // wire; when the 8-bit space is exhausted the fragment waits.
        if m.transfer != nil && m.transfer.ID == -1 {
            c.fragMu.Lock()
            ok := c.fragSends.AllocateTransferID(m.transfer)
            c.fragMu.Unlock()
            if !ok {
                c.sendQueue.Pop()
                c.skipped = append(c.skipped, m)
                continue
            }
        }
        total := m.packedSize()
        if m.InOrder && !inOrder {
            total += 2 // reserved in-order delta counter slot
        }
        if len(c.batch) > 0 && packetSize+total >= maxSendSize {
            break
        }
        c.sendQueue.Pop()
        c.batch = append(c.batch, m)
        packetSize += total
        if m.Reliable {
            if !haveRel || int32(m.ReliableMessageNumber-smallestRel) < 0 {
                smallestRel = m.ReliableMessageNumber
            }
            haveRel = true
            reliable = true
        }
        if m.InOrder {
            inOrder = true
        }
    }
    for _, m := range c.skipped {
        c.sendQueue.Push(m)
    }
    if len(c.batch) == 0 {
        return packetSendNoMessages
    }

    packetID := c.packetIDCounter
    buf := c.packBuf[:0]
    buf = wire.AppendDatagramHeader(buf, wire.DatagramHeader{PacketID: packetID, Reliable: reliable, InOrder: inOrder})
    if reliable {
        buf = wire.AppendVLE16_32(buf, smallestRel)
    }

    sentDisconnectAck := false
    for _, m := range c.batch {
        writesID := m.transfer == nil || m.FragmentIndex == 0
        idLen := 0
        if writesID {
            idLen = wire.SizeVLE8_16_32(m.ID)
        }
        buf = wire.AppendMessageHeader(buf, wire.MessageHeader{
            ContentLength: uint16(len(m.Data) + idLen),
            Reliable:      m.Reliable,
            InOrder:       m.InOrder,
            Fragment:      m.transfer != nil,
            FirstFragment: m.transfer != nil && m.FragmentIndex == 0,
        })
        if m.Reliable {
            buf = wire.AppendVLE8_16(buf, m.ReliableMessageNumber-smallestRel)
        }
        if m.transfer != nil {
            if m.FragmentIndex == 0 {
                buf = wire.AppendVLE8_16_32(buf, m.transfer.TotalFragments)
            }
            buf = append(buf, byte(m.transfer.ID))
            if m.FragmentIndex != 0 {
                buf = wire.AppendVLE8_16_32(buf, m.FragmentIndex)
            }
        }
        if writesID {
            buf = wire.AppendVLE8_16_32(buf, m.ID)
        }
        buf = append(buf, m.Data...)
        if m.ID == wire.MsgIDDisconnectAck {
            sentDisconnectAck = true
        }
    }
    c.packBuf = buf

    if err := c.sock.Send(buf); err != nil {
        // The whole batch goes back for a later repack.
        for _, m := range c.batch {
            c.sendQueue.Push(m)
        }
        if errors.Is(err, ErrSocketClosed) {
            return packetSendSocketClosed
        }
        c.log.Debug("datagram send failed", zap.Error(err))
        return packetSendThrottled
    }

    for _, m := range c.batch {
        m.SendCount++
    }
    c.flow.OnDatagramSent(now)
    c.packetIDCounter = wire.AddPacketID(c.packetIDCounter, 1)
    c.stats.AddOutbound(uint64(len(buf)), 1, uint64(len(c.batch)))
    c.metrics.DatagramsOut.Inc()
    c.metrics.MessagesOut.Add(float64(len(c.batch)))
    c.metrics.BytesOut.Add(float64(len(buf)))

    if reliable {
        t := &packetTrack{
            packetID:         packetID,
            sentTick:         now,
            timeoutTick:      now + clock.FromMilliseconds(c.flow.RTO()),
            sendCount:        1,
            datagramSendRate: c.flow.SendRate(),
        }
        for _, m := range c.batch {
            if m.Reliable {
                t.messages = append(t.messages, m)
            } else {
                c.freeMessageWorker(m)
            }
        }
        c.ackTracks.PushBack(t)
    } else {
        for _, m := range c.batch {
            c.freeMessageWorker(m)
        }
    }

    if sentDisconnectAck {
        c.setState(StateClosed)
        c.log.Info("connection closed after disconnect ack flush")
    }
    return packetSendOK
}

func (c *UDPConnection) handleDisconnect() {
    if c.State() == StateClosed {
        return
    }
    c.log.Info("peer requested disconnect")
    c.setState(StateDisconnecting)
    m := c.StartNewMessage(wire.MsgIDDisconnectAck, 0)
    m.Priority = MaxPriority
    _ = c.endAndQueue(m, true)
}

func (c *UDPConnection) handleDisconnectAck() {
    if c.State() != StateDisconnecting {
        c.log.Warn("disconnect ack outside disconnect handshake",
            zap.String("state", c.State().String()))
    } else {
        c.log.Info("disconnect handshake complete")
    }
    c.setState(StateClosed)
}

// sendDisconnectMessage stages the reliable Disconnect request, once.
func (c *UDPConnection) sendDisconnectMessage() {
    c.discMu.Lock()
    defer c.discMu.Unlock()
    if c.disconnectSent {
        return
    }
    c.disconnectSent = true
    m := c.StartNewMessage(wire.MsgIDDisconnect, 0)
    m.Reliable = true
    m.Priority = MaxPriority
    _ = c.endAndQueue(m, false)
}

// Disconnect performs the graceful disconnect handshake. A positive
// maxMSecsToWait polls until the state machine reaches Closed or the
// window elapses; a negative value selects the configured disconnect
// timeout window. Safe to call repeatedly. Application thread only.
func (c *UDPConnection) Disconnect(maxMSecsToWait int) {
    if maxMSecsToWait < 0 {
        maxMSecsToWait = c.opts.DisconnectTimeoutMS
    }
    c.syncStateWithSocket()

    switch c.State() {
    case StatePending, StateOK:
        c.sendDisconnectMessage()
        c.setState(StateDisconnecting)
    case StatePeerClosed:
        c.sendDisconnectMessage()
        c.setState(StateClosed)
    case StateDisconnecting, StateClosed:
        // Already under way.
    }

    if maxMSecsToWait > 0 && c.State() != StateClosed {
        var timer clock.PolledTimer
        timer.StartMSecs(float64(maxMSecsToWait))
        for c.State() != StateClosed && !timer.Triggered() {
            clock.Sleep(1)
            c.syncStateWithSocket()
        }
    }

    if c.State() == StateClosed {
        c.Close(0)
    }
}

// Close forces the connection down. A positive wait first attempts the
// graceful handshake for that long. Application thread only.
func (c *UDPConnection) Close(maxMSecsToWait int) {
    c.syncStateWithSocket()
    if maxMSecsToWait > 0 && c.State() != StateClosed {
        c.Disconnect(maxMSecsToWait)
    }
    c.setState(StateClosed)
    c.sock.Close()
    // When a worker manages this connection it performs the final
    // release after pruning, so queue roles stay single-consumer.
    if !c.attached.Load() {
        c.Cleanup()
    }
}

// Cleanup releases every queued message and tracking table. Called by
// the worker when it prunes a closed connection, or by Close when no
// worker was ever attached.
func (c *UDPConnection) Cleanup() {
    c.cleanupOnce.Do(func() {
        for c.ackTracks.Len() > 0 {
            t := c.ackTracks.Front()
            for _, m := range t.messages {
                c.freeMessageWorker(m)
            }
            c.ackTracks.PopFront()
        }
        c.freeMessageData()
        c.contentIn.Reset()
        c.ackMu.Lock()
        clear(c.pendingAcks)
        c.pendingAckOrder = nil
        c.ackMu.Unlock()
        c.metrics.Drop()
        c.log.Info("connection resources released")
    })
}

// NumInFlightDatagrams counts unacked reliable datagrams. Worker-tick
// accuracy; intended for status dumps and tests.
func (c *UDPConnection) NumInFlightDatagrams() int { return c.ackTracks.Len() }

// HasPendingWork reports whether the engine has timer-driven work
// outstanding; the worker shortens its wait to the update tick while
// it does. Worker only.
func (c *UDPConnection) HasPendingWork() bool {
    if c.NumOutboundMessagesPending() > 0 || c.ackTracks.Len() > 0 {
        return true
    }
    c.ackMu.Lock()
    pending := len(c.pendingAcks)
    c.ackMu.Unlock()
    return pending > 0 || c.State() == StateDisconnecting
}

// RetransmissionTimeout returns the current RTO in milliseconds.
func (c *UDPConnection) RetransmissionTimeout() float64 { return c.flow.RTO() }

// DatagramSendRate returns the paced send rate in datagrams/second.
func (c *UDPConnection) DatagramSendRate() float64 { return c.flow.SendRate() }

// DumpStatus logs a one-shot structured snapshot of the connection.
func (c *UDPConnection) DumpStatus() {
    rates := c.Stats()
    c.log.Info("connection status",
        zap.String("state", c.State().String()),
        zap.Float64("rtt_ms", c.RoundTripTime()),
        zap.Float64("rto_ms", c.flow.RTO()),
        zap.Float64("send_rate", c.flow.SendRate()),
        zap.Int("outbound_pending", c.NumOutboundMessagesPending()),
        zap.Int("inbound_pending", c.NumInboundMessagesPending()),
        zap.Int("in_flight", c.ackTracks.Len()),
        zap.Float64("last_heard_ms", c.LastHeardMilliseconds()),
        zap.Float64("packets_in_per_sec", rates.PacketsIn),
        zap.Float64("packets_out_per_sec", rates.PacketsOut),
        zap.Float64("packet_loss_rate", rates.PacketLossRate),
    )
}
