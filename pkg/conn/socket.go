package conn

import (
    "errors"
    "net"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "msglink/pkg/ring"
)

// DefaultMaxSendSize is the largest datagram handed to the OS when the
// configuration does not override it. Conservative enough to avoid IP
// fragmentation on common paths.
const DefaultMaxSendSize = 1400

// socketRxCapacity bounds the per-socket inbound datagram buffer
// between the reader goroutine and the worker.
const socketRxCapacity = 4096

// ErrSocketClosed is returned from sends on a write-closed socket.
var ErrSocketClosed = errors.New("conn: socket closed")

// Socket wraps one UDP path to a peer. A dialed socket owns its
// *net.UDPConn and runs its own reader goroutine; a demuxed socket
// shares the server's listen socket, which pushes datagrams in via
// PushDatagram. Either way the worker consumes datagrams from a
// bounded SPSC ring through ReadDatagram.
type Socket struct {
    conn  *net.UDPConn
    raddr *net.UDPAddr
    owned bool

    rx   *ring.SPSC[[]byte]
    wake atomic.Value // func(), set before the reader starts

    maxSendSize int
    readClosed  atomic.Bool
    writeClosed atomic.Bool
    closeOnce   sync.Once

    log *zap.Logger
}

// Dial opens a connected UDP socket to address and starts its reader.
func Dial(address string, maxSendSize int, log *zap.Logger) (*Socket, error) {
    raddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil {
        return nil, err
    }
    c, err := net.DialUDP("udp", nil, raddr)
    if err != nil {
        return nil, err
    }
    s := newSocket(c, raddr, true, maxSendSize, log)
    go s.recvLoop()
    return s, nil
}

// NewDemuxed wraps a remote reached through a shared listen socket.
// The listener's read loop feeds datagrams in with PushDatagram.
func NewDemuxed(shared *net.UDPConn, raddr *net.UDPAddr, maxSendSize int, log *zap.Logger) *Socket {
    return newSocket(shared, raddr, false, maxSendSize, log)
}

func newSocket(c *net.UDPConn, raddr *net.UDPAddr, owned bool, maxSendSize int, log *zap.Logger) *Socket {
    if maxSendSize <= 0 {
        maxSendSize = DefaultMaxSendSize
    }
    if log == nil {
        log = zap.L()
    }
    return &Socket{
        conn:        c,
        raddr:       raddr,
        owned:       owned,
        rx:          ring.New[[]byte](socketRxCapacity),
        maxSendSize: maxSendSize,
        log:         log,
    }
}

// SetWake installs the callback the reader fires after queuing new
// datagrams; the worker uses it to cut its wait short.
func (s *Socket) SetWake(fn func()) {
    if fn == nil {
        fn = func() {}
    }
    s.wake.Store(fn)
}

func (s *Socket) fireWake() {
    if fn, ok := s.wake.Load().(func()); ok && fn != nil {
        fn()
    }
}

func (s *Socket) recvLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, err := s.conn.Read(buf)
        if err != nil {
            s.readClosed.Store(true)
            s.fireWake()
            return
        }
        if n == 0 {
            continue
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        // Drop on overflow; the protocol treats a lost datagram the
        // same as the network dropping it.
        if !s.rx.Push(pkt) {
            s.log.Debug("socket rx ring full, datagram dropped", zap.String("remote", s.raddr.String()))
        }
        s.fireWake()
    }
}

// PushDatagram queues one datagram from a shared listener and reports
// whether there was room.
func (s *Socket) PushDatagram(b []byte) bool {
    if s.readClosed.Load() {
        return false
    }
    ok := s.rx.Push(b)
    s.fireWake()
    return ok
}

// ReadDatagram pops the next buffered inbound datagram. Worker only.
func (s *Socket) ReadDatagram() ([]byte, bool) {
    return s.rx.Pop()
}

// PendingDatagrams returns the number of buffered inbound datagrams.
func (s *Socket) PendingDatagrams() int { return s.rx.Len() }

// Send writes one datagram toward the peer.
func (s *Socket) Send(b []byte) error {
    if s.writeClosed.Load() {
        return ErrSocketClosed
    }
    var err error
    if s.owned {
        _, err = s.conn.Write(b)
    } else {
        _, err = s.conn.WriteToUDP(b, s.raddr)
    }
    if err != nil && errors.Is(err, net.ErrClosed) {
        s.writeClosed.Store(true)
        return ErrSocketClosed
    }
    return err
}

// MaxSendSize returns the largest datagram Send accepts.
func (s *Socket) MaxSendSize() int { return s.maxSendSize }

// IsReadOpen reports whether more inbound data can still arrive or is
// already buffered.
func (s *Socket) IsReadOpen() bool {
    return !s.readClosed.Load() || s.rx.Len() > 0
}

// IsWriteOpen reports whether Send can still be attempted.
func (s *Socket) IsWriteOpen() bool { return !s.writeClosed.Load() }

// Close shuts the socket down. A demuxed socket only marks itself
// closed; the shared listen socket stays up for other connections.
func (s *Socket) Close() {
    s.closeOnce.Do(func() {
        s.readClosed.Store(true)
        s.writeClosed.Store(true)
        if s.owned {
            _ = s.conn.Close()
        }
        s.fireWake()
    })
}

// LocalAddr returns the local socket address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr { return s.raddr }

// String names the path for logs.
func (s *Socket) String() string {
    return s.conn.LocalAddr().String() + "->" + s.raddr.String()
}
