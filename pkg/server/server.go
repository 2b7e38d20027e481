// Package server accepts inbound UDP message connections by
// demultiplexing a single listen socket: each remote address gets its
// own connection fed from the shared socket's read loop.
package server

import (
    "context"
    "errors"
    "net"
    "sync"

    "go.uber.org/zap"

    "msglink/pkg/conn"
    "msglink/pkg/worker"
)

// ErrClosed is returned from Accept after Close.
var ErrClosed = errors.New("server: listener closed")

// acceptBacklog bounds connections accepted by the read loop but not
// yet picked up by the application.
const acceptBacklog = 64

type session struct {
    sock *conn.Socket
    c    *conn.UDPConnection
}

// Server owns one UDP listen socket and the connections demuxed from
// it.
type Server struct {
    lsock *net.UDPConn
    w     *worker.Worker
    opts  conn.Options
    log   *zap.Logger

    mu       sync.Mutex
    sessions map[string]*session

    acceptCh  chan *conn.UDPConnection
    closed    chan struct{}
    closeOnce sync.Once
}

// Listen binds address and starts demultiplexing inbound datagrams.
// Accepted connections are registered with the worker automatically.
func Listen(address string, w *worker.Worker, opts conn.Options) (*Server, error) {
    laddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil {
        return nil, err
    }
    ls, err := net.ListenUDP("udp", laddr)
    if err != nil {
        return nil, err
    }
    log := opts.Logger
    if log == nil {
        log = zap.L()
    }
    s := &Server{
        lsock:    ls,
        w:        w,
        opts:     opts,
        log:      log.With(zap.String("listen", ls.LocalAddr().String())),
        sessions: make(map[string]*session),
        acceptCh: make(chan *conn.UDPConnection, acceptBacklog),
        closed:   make(chan struct{}),
    }
    go s.readLoop()
    w.AddListener(s)
    s.log.Info("listening")
    return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.lsock.LocalAddr() }

// Accept blocks until an inbound connection is available or ctx is
// done.
func (s *Server) Accept(ctx context.Context) (*conn.UDPConnection, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-s.closed:
        return nil, ErrClosed
    case c := <-s.acceptCh:
        return c, nil
    }
}

// Close stops the listener. Existing connections keep running on the
// worker until closed individually; their shared socket dies with the
// listener, so their sends fail and, with nothing more arriving, the
// liveness timeout closes them.
func (s *Server) Close() error {
    s.closeOnce.Do(func() {
        close(s.closed)
        s.w.RemoveListener(s)
        _ = s.lsock.Close()
        s.log.Info("listener closed")
    })
    return nil
}

func (s *Server) readLoop() {
    buf := make([]byte, 64*1024)
    for {
        n, raddr, err := s.lsock.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-s.closed:
            default:
                s.log.Warn("listen socket read failed", zap.Error(err))
            }
            return
        }
        if n == 0 {
            continue
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])

        key := raddr.String()
        s.mu.Lock()
        sess, ok := s.sessions[key]
        if !ok {
            sess = s.newSessionLocked(raddr)
        }
        s.mu.Unlock()

        if !sess.sock.PushDatagram(pkt) {
            s.log.Debug("session rx ring full, datagram dropped", zap.String("remote", key))
        }
    }
}

// newSessionLocked creates the per-remote connection for a first
// datagram and offers it to Accept. s.mu held.
func (s *Server) newSessionLocked(raddr *net.UDPAddr) *session {
    sk := conn.NewDemuxed(s.lsock, raddr, s.opts.MaxSendSize, s.log)
    c := conn.NewAccepted(sk, s.opts)
    sess := &session{sock: sk, c: c}
    s.sessions[raddr.String()] = sess
    s.w.AddConnection(c)
    s.log.Info("accepted connection", zap.String("remote", raddr.String()))
    select {
    case s.acceptCh <- c:
    default:
        // Backlog full: the connection still runs on the worker; the
        // application just never saw it. It will idle out via the
        // liveness timeout.
        s.log.Warn("accept backlog full", zap.String("remote", raddr.String()))
    }
    return sess
}

// Service prunes sessions whose connection has closed. Runs on the
// worker thread once per iteration.
func (s *Server) Service() {
    s.mu.Lock()
    defer s.mu.Unlock()
    for key, sess := range s.sessions {
        if sess.c.State() == conn.StateClosed {
            sess.sock.Close()
            delete(s.sessions, key)
            s.log.Debug("session pruned", zap.String("remote", key))
        }
    }
}

// NumSessions returns the live demuxed connection count.
func (s *Server) NumSessions() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.sessions)
}
