package conn

import (
    "fmt"

    "go.uber.org/zap"
)

// maxTransferIDs is the size of the 8-bit transfer id space; at most
// this many fragmented transfers can be on the wire per connection.
const maxTransferIDs = 256

// FragmentedTransfer tracks one oversize message on the sender side.
// The id stays -1 until the first fragment is about to be serialized;
// ids are scarce, so allocation is deferred to send time.
type FragmentedTransfer struct {
    ID             int
    TotalFragments uint32
    messages       []*Message
}

// AddMessage attaches a fragment to the transfer.
func (t *FragmentedTransfer) AddMessage(m *Message) {
    m.transfer = t
    t.messages = append(t.messages, m)
}

// RemoveMessage detaches an acked fragment and reports whether the
// transfer is now empty.
func (t *FragmentedTransfer) RemoveMessage(m *Message) bool {
    for i, f := range t.messages {
        if f == m {
            t.messages[i] = t.messages[len(t.messages)-1]
            t.messages[len(t.messages)-1] = nil
            t.messages = t.messages[:len(t.messages)-1]
            break
        }
    }
    return len(t.messages) == 0
}

// FragmentedSendManager owns the in-flight fragmented transfers and the
// 8-bit transfer id free list. Callers hold the connection's fragment
// mutex while using it.
type FragmentedSendManager struct {
    transfers []*FragmentedTransfer
    idInUse   [maxTransferIDs]bool
    nextProbe int
    log       *zap.Logger
}

func newFragmentedSendManager(log *zap.Logger) *FragmentedSendManager {
    return &FragmentedSendManager{log: log}
}

// AllocateNewTransfer creates a transfer with no id assigned yet.
func (fm *FragmentedSendManager) AllocateNewTransfer(totalFragments uint32) *FragmentedTransfer {
    t := &FragmentedTransfer{ID: -1, TotalFragments: totalFragments}
    fm.transfers = append(fm.transfers, t)
    return t
}

// AllocateTransferID assigns a free 8-bit id to the transfer, returning
// false when all ids are in flight. The caller requeues the fragment
// and retries on a later tick.
func (fm *FragmentedSendManager) AllocateTransferID(t *FragmentedTransfer) bool {
    if t.ID != -1 {
        return true
    }
    for i := 0; i < maxTransferIDs; i++ {
        id := (fm.nextProbe + i) % maxTransferIDs
        if !fm.idInUse[id] {
            fm.idInUse[id] = true
            fm.nextProbe = (id + 1) % maxTransferIDs
            t.ID = id
            return true
        }
    }
    return false
}

// RemoveMessage detaches an acked fragment from its transfer and frees
// the transfer (releasing its id) once the last fragment is gone.
func (fm *FragmentedSendManager) RemoveMessage(t *FragmentedTransfer, m *Message) {
    if t == nil {
        return
    }
    if !t.RemoveMessage(m) {
        return
    }
    if t.ID >= 0 {
        fm.idInUse[t.ID] = false
    }
    for i, tr := range fm.transfers {
        if tr == t {
            fm.transfers[i] = fm.transfers[len(fm.transfers)-1]
            fm.transfers = fm.transfers[:len(fm.transfers)-1]
            break
        }
    }
    fm.log.Debug("fragmented transfer complete", zap.Int("transfer", t.ID))
}

// NumTransfers returns the number of open transfers.
func (fm *FragmentedSendManager) NumTransfers() int { return len(fm.transfers) }

// FreeAll drops every transfer without touching the messages; the
// caller frees those through its own queues.
func (fm *FragmentedSendManager) FreeAll() {
    fm.transfers = nil
    fm.idInUse = [maxTransferIDs]bool{}
}

// reassemblyBuffer collects the fragments of one inbound transfer.
type reassemblyBuffer struct {
    transferID     uint8
    totalFragments uint32
    received       uint32
    fragments      [][]byte
}

// ReassemblyManager buffers inbound fragments keyed by transfer id and
// assembles the original payload once every fragment has arrived.
// Worker-only; needs no locking.
type ReassemblyManager struct {
    transfers map[uint8]*reassemblyBuffer
}

func newReassemblyManager() *ReassemblyManager {
    return &ReassemblyManager{transfers: make(map[uint8]*reassemblyBuffer)}
}

// FragmentStart begins tracking a transfer; the starting fragment has
// index zero. Reports whether the transfer is now complete, which can
// happen immediately when reordering delivered every other fragment
// first. A retransmitted start for a live transfer is deduplicated.
func (rm *ReassemblyManager) FragmentStart(transferID uint8, totalFragments uint32, data []byte) bool {
    b, ok := rm.transfers[transferID]
    if !ok {
        b = &reassemblyBuffer{
            transferID:     transferID,
            totalFragments: totalFragments,
            fragments:      make([][]byte, totalFragments),
        }
        rm.transfers[transferID] = b
    } else if b.totalFragments == 0 {
        b.totalFragments = totalFragments
    }
    for uint32(len(b.fragments)) < b.totalFragments {
        b.fragments = append(b.fragments, nil)
    }
    if b.fragments[0] == nil {
        b.fragments[0] = append([]byte(nil), data...)
        b.received++
    }
    return b.received == b.totalFragments
}

// Fragment records a non-start fragment and reports whether the
// transfer is now complete. Fragments arriving before their start
// create the buffer lazily with the count still unknown.
func (rm *ReassemblyManager) Fragment(transferID uint8, index uint32, data []byte) (bool, error) {
    b, ok := rm.transfers[transferID]
    if !ok {
        // Start not seen yet; datagram reordering can deliver a later
        // fragment first. Without the total count the slice length is
        // unknown, so grow on demand.
        b = &reassemblyBuffer{transferID: transferID}
        rm.transfers[transferID] = b
    }
    if b.totalFragments > 0 && index >= b.totalFragments {
        return false, fmt.Errorf("fragment index %d out of range for transfer %d (%d fragments)", index, transferID, b.totalFragments)
    }
    for uint32(len(b.fragments)) <= index {
        b.fragments = append(b.fragments, nil)
    }
    if b.fragments[index] == nil {
        b.fragments[index] = append([]byte(nil), data...)
        b.received++
    }
    return b.totalFragments > 0 && b.received == b.totalFragments, nil
}

// Assemble concatenates the fragments of a completed transfer.
func (rm *ReassemblyManager) Assemble(transferID uint8) []byte {
    b, ok := rm.transfers[transferID]
    if !ok {
        return nil
    }
    size := 0
    for _, f := range b.fragments {
        size += len(f)
    }
    out := make([]byte, 0, size)
    for _, f := range b.fragments {
        out = append(out, f...)
    }
    return out
}

// Free releases a transfer's buffers once the assembled message has
// been dispatched.
func (rm *ReassemblyManager) Free(transferID uint8) {
    delete(rm.transfers, transferID)
}

// NumTransfers returns the number of partially received transfers.
func (rm *ReassemblyManager) NumTransfers() int { return len(rm.transfers) }
