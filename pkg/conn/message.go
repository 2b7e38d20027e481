// Package conn implements the message connection: the per-peer protocol
// engine that multiplexes application messages into UDP datagrams,
// tracks acknowledgements, retransmits lost reliable messages,
// reassembles fragments and paces outbound sends.
package conn

import (
    "sync"

    "msglink/pkg/wire"
)

// MaxPriority is the highest message priority. Control messages use the
// top three values: MaxPriority for the disconnect handshake,
// MaxPriority-1 for ping replies and packet acks, MaxPriority-2 for
// ping requests.
const MaxPriority uint32 = 0xFFFFFFFF

// Message is the unit of application data carried by the connection.
// Once a message has left the accept queue only the worker touches it.
type Message struct {
    // ID is the application-level opcode, VLE-coded on the wire.
    ID uint32
    // Reliable messages are retransmitted until acked.
    Reliable bool
    // InOrder reserves the in-order wire slot; cross-datagram ordering
    // beyond duplicate suppression is not enforced.
    InOrder bool
    // Priority orders the send queue, higher first.
    Priority uint32
    // ContentID keys obsolescence: a newer queued message with the same
    // (ID, ContentID) supersedes this one. Zero means no coalescing.
    ContentID uint32

    // MessageNumber is the per-connection monotonic enqueue counter.
    MessageNumber uint32
    // ReliableMessageNumber is the per-connection monotonic counter of
    // reliable messages, zero for unreliable ones.
    ReliableMessageNumber uint32
    // SendCount is how many datagrams have carried this message.
    SendCount int
    // Obsolete marks a message superseded via ContentID; it is freed
    // instead of serialized.
    Obsolete bool

    // transfer and FragmentIndex tie a fragment to its transfer.
    transfer      *FragmentedTransfer
    FragmentIndex uint32

    // Data is the payload.
    Data []byte
}

// IsNewerThan reports whether m was enqueued after o, comparing message
// numbers with wrap.
func (m *Message) IsNewerThan(o *Message) bool {
    return int32(m.MessageNumber-o.MessageNumber) > 0
}

// packedSize returns the number of datagram bytes this message needs:
// the 2-byte message header, optional fragment metadata, the VLE
// message id and the payload. Reliable messages reserve two bytes for
// the delta field.
func (m *Message) packedSize() int {
    size := 2 + len(m.Data)
    if m.transfer == nil || m.FragmentIndex == 0 {
        size += wire.SizeVLE8_16_32(m.ID)
    }
    if m.transfer != nil {
        size++ // transfer id byte
        if m.FragmentIndex == 0 {
            size += wire.SizeVLE8_16_32(m.transfer.TotalFragments)
        } else {
            size += wire.SizeVLE8_16_32(m.FragmentIndex)
        }
    }
    if m.Reliable {
        size += 2
    }
    return size
}

func (m *Message) reset() {
    m.ID = 0
    m.Reliable = false
    m.InOrder = false
    m.Priority = 0
    m.ContentID = 0
    m.MessageNumber = 0
    m.ReliableMessageNumber = 0
    m.SendCount = 0
    m.Obsolete = false
    m.transfer = nil
    m.FragmentIndex = 0
    m.Data = m.Data[:0]
}

// messagePool recycles messages and their payload buffers.
type messagePool struct {
    p sync.Pool
}

func newMessagePool() *messagePool {
    return &messagePool{p: sync.Pool{New: func() any { return new(Message) }}}
}

// New returns a zeroed message with capacity for n payload bytes.
func (mp *messagePool) New(n int) *Message {
    m := mp.p.Get().(*Message)
    m.reset()
    if cap(m.Data) < n {
        m.Data = make([]byte, n)
    } else {
        m.Data = m.Data[:n]
    }
    return m
}

// Free returns a message to the pool.
func (mp *messagePool) Free(m *Message) {
    if m == nil {
        return
    }
    m.transfer = nil
    mp.p.Put(m)
}
