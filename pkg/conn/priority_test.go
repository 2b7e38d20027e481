package conn

import (
    "testing"
)

func TestSendQueueOrdersByPriority(t *testing.T) {
    var q sendQueue
    q.Push(&Message{ID: 1, Priority: 5, MessageNumber: 0})
    q.Push(&Message{ID: 2, Priority: 50, MessageNumber: 1})
    q.Push(&Message{ID: 3, Priority: 1, MessageNumber: 2})
    q.Push(&Message{ID: 4, Priority: 50, MessageNumber: 3})

    want := []uint32{2, 4, 1, 3}
    for i, id := range want {
        m := q.Pop()
        if m == nil || m.ID != id {
            t.Fatalf("pop %d: got %+v, want id %d", i, m, id)
        }
    }
    if q.Pop() != nil {
        t.Fatalf("pop from empty queue")
    }
}

func TestSendQueueFIFOWithinPriority(t *testing.T) {
    var q sendQueue
    for i := uint32(0); i < 100; i++ {
        q.Push(&Message{ID: i, Priority: 7, MessageNumber: i})
    }
    for i := uint32(0); i < 100; i++ {
        m := q.Pop()
        if m.MessageNumber != i {
            t.Fatalf("pop %d: got message number %d", i, m.MessageNumber)
        }
    }
}

func TestSendQueueFIFOAcrossNumberWrap(t *testing.T) {
    var q sendQueue
    // Message numbers just below and above the u32 wrap; the wrapped
    // ones were enqueued later, so they pop later.
    q.Push(&Message{ID: 1, MessageNumber: 0xFFFFFFFE})
    q.Push(&Message{ID: 2, MessageNumber: 0xFFFFFFFF})
    q.Push(&Message{ID: 3, MessageNumber: 0})
    q.Push(&Message{ID: 4, MessageNumber: 1})
    for _, want := range []uint32{1, 2, 3, 4} {
        if m := q.Pop(); m.ID != want {
            t.Fatalf("got id %d, want %d", m.ID, want)
        }
    }
}

func TestSendQueuePeek(t *testing.T) {
    var q sendQueue
    if q.Peek() != nil {
        t.Fatalf("peek on empty queue")
    }
    q.Push(&Message{ID: 9, Priority: 3})
    if m := q.Peek(); m == nil || m.ID != 9 {
        t.Fatalf("peek: %+v", m)
    }
    if q.Len() != 1 {
        t.Fatalf("peek consumed: len %d", q.Len())
    }
}

func TestSendQueueDrain(t *testing.T) {
    var q sendQueue
    q.Push(&Message{ID: 1})
    q.Push(&Message{ID: 2})
    freed := 0
    q.Drain(func(*Message) { freed++ })
    if freed != 2 || q.Len() != 0 {
        t.Fatalf("drain freed %d, len %d", freed, q.Len())
    }
}
