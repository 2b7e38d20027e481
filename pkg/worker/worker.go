// Package worker runs the single network thread that drives the I/O
// and timers of every registered message connection and server
// listener. Only this thread mutates connection engine internals.
package worker

import (
    "sync"
    "time"

    "go.uber.org/zap"

    "msglink/pkg/conn"
)

// Conn is the surface the worker drives. The UDP message connection
// implements it; a TCP variant would satisfy the same interface.
type Conn interface {
    // ReadSocket drains buffered inbound datagrams into the engine.
    ReadSocket()
    // SendOutPackets serializes and sends as many datagrams as pacing
    // allows.
    SendOutPackets()
    // UpdateConnection runs periodic engine work (timers, acks, ping).
    UpdateConnection()
    // TimeUntilCanSendPacket is the pacing delay before the next send.
    TimeUntilCanSendPacket() time.Duration
    // HasPendingWork reports timer-driven work outstanding.
    HasPendingWork() bool
    // State exposes the lifecycle state for pruning.
    State() conn.State
    // SetWake installs the worker's wake callback.
    SetWake(fn func())
    // Cleanup releases the connection's resources after pruning.
    Cleanup()
}

// Listener is a server-side collaborator the worker services once per
// iteration, letting it prune dead demuxed sessions on the worker
// thread.
type Listener interface {
    Service()
}

var _ Conn = (*conn.UDPConnection)(nil)

// updateTick is the worker cadence while any connection has pending
// engine work.
const updateTick = 10 * time.Millisecond

// maxWait bounds the idle wait so timers still run on a quiet link.
const maxWait = time.Second

// Worker drives all registered connections from one goroutine. It is
// process-wide: create one (or use Default), Start it, and Stop it on
// shutdown.
type Worker struct {
    log *zap.Logger

    mu        sync.Mutex
    conns     []Conn
    listeners []Listener
    running   bool

    wake chan struct{}
    stop chan struct{}
    done chan struct{}
}

// New creates a stopped worker.
func New(log *zap.Logger) *Worker {
    if log == nil {
        log = zap.L()
    }
    return &Worker{
        log:  log,
        wake: make(chan struct{}, 1),
    }
}

var (
    defaultOnce   sync.Once
    defaultWorker *Worker
)

// Default returns the process-wide worker, creating it stopped.
func Default() *Worker {
    defaultOnce.Do(func() { defaultWorker = New(zap.L()) })
    return defaultWorker
}

// Start launches the worker thread. Starting a running worker is a
// no-op.
func (w *Worker) Start() {
    w.mu.Lock()
    defer w.mu.Unlock()
    if w.running {
        return
    }
    w.running = true
    w.stop = make(chan struct{})
    w.done = make(chan struct{})
    go w.mainLoop(w.stop, w.done)
    w.log.Info("network worker started")
}

// Stop terminates the worker thread and blocks until it exits.
func (w *Worker) Stop() {
    w.mu.Lock()
    if !w.running {
        w.mu.Unlock()
        return
    }
    w.running = false
    stop, done := w.stop, w.done
    w.mu.Unlock()

    close(stop)
    <-done
    w.log.Info("network worker stopped")
}

// Wake interrupts the worker's wait; producers call it after enqueuing
// work.
func (w *Worker) Wake() {
    select {
    case w.wake <- struct{}{}:
    default:
    }
}

// AddConnection registers a connection and wires its wake signal.
func (w *Worker) AddConnection(c Conn) {
    c.SetWake(w.Wake)
    w.mu.Lock()
    w.conns = append(w.conns, c)
    w.mu.Unlock()
    w.log.Debug("connection added to worker")
    w.Wake()
}

// RemoveConnection unregisters a connection without releasing it.
func (w *Worker) RemoveConnection(c Conn) {
    w.mu.Lock()
    defer w.mu.Unlock()
    for i, have := range w.conns {
        if have == c {
            w.conns = append(w.conns[:i], w.conns[i+1:]...)
            return
        }
    }
}

// AddListener registers a server listener for per-iteration servicing.
func (w *Worker) AddListener(l Listener) {
    w.mu.Lock()
    w.listeners = append(w.listeners, l)
    w.mu.Unlock()
    w.Wake()
}

// RemoveListener unregisters a server listener.
func (w *Worker) RemoveListener(l Listener) {
    w.mu.Lock()
    defer w.mu.Unlock()
    for i, have := range w.listeners {
        if have == l {
            w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
            return
        }
    }
}

func (w *Worker) mainLoop(stop <-chan struct{}, done chan<- struct{}) {
    defer close(done)

    timer := time.NewTimer(maxWait)
    defer timer.Stop()

    for {
        select {
        case <-stop:
            return
        default:
        }

        // Snapshot under the mutex; additions during the iteration are
        // picked up next round.
        w.mu.Lock()
        conns := append([]Conn(nil), w.conns...)
        listeners := append([]Listener(nil), w.listeners...)
        w.mu.Unlock()

        wait := maxWait
        for _, c := range conns {
            c.UpdateConnection()
            if c.State() == conn.StateClosed {
                w.RemoveConnection(c)
                c.Cleanup()
                continue
            }
            if c.HasPendingWork() {
                if wait > updateTick {
                    wait = updateTick
                }
                if d := c.TimeUntilCanSendPacket(); d > 0 && d < wait {
                    wait = d
                }
            }
        }
        for _, l := range listeners {
            l.Service()
        }

        if wait < time.Millisecond {
            wait = time.Millisecond
        }
        if !timer.Stop() {
            select {
            case <-timer.C:
            default:
            }
        }
        timer.Reset(wait)
        select {
        case <-stop:
            return
        case <-w.wake:
        case <-timer.C:
        }

        for _, c := range conns {
            if c.State() == conn.StateClosed {
                continue
            }
            c.ReadSocket()
            c.SendOutPackets()
        }
    }
}
