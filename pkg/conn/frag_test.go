package conn

import (
    "bytes"
    "testing"

    "go.uber.org/zap"
)

func TestTransferIDExhaustion(t *testing.T) {
    fm := newFragmentedSendManager(zap.NewNop())
    transfers := make([]*FragmentedTransfer, 0, maxTransferIDs)
    for i := 0; i < maxTransferIDs; i++ {
        tr := fm.AllocateNewTransfer(2)
        if !fm.AllocateTransferID(tr) {
            t.Fatalf("allocation %d failed with free ids remaining", i)
        }
        transfers = append(transfers, tr)
    }
    extra := fm.AllocateNewTransfer(2)
    if fm.AllocateTransferID(extra) {
        t.Fatalf("257th transfer id allocated")
    }

    // Releasing one transfer frees its id for the waiting transfer.
    tr := transfers[100]
    m := &Message{}
    tr.AddMessage(m)
    fm.RemoveMessage(tr, m)
    if !fm.AllocateTransferID(extra) {
        t.Fatalf("freed id not reusable")
    }
    if extra.ID != 100 {
        t.Fatalf("reused id %d, want 100", extra.ID)
    }
}

func TestTransferIDsAreUnique(t *testing.T) {
    fm := newFragmentedSendManager(zap.NewNop())
    seen := make(map[int]bool)
    for i := 0; i < 50; i++ {
        tr := fm.AllocateNewTransfer(2)
        if !fm.AllocateTransferID(tr) {
            t.Fatalf("allocation %d failed", i)
        }
        if seen[tr.ID] {
            t.Fatalf("transfer id %d handed out twice", tr.ID)
        }
        seen[tr.ID] = true
    }
}

func TestTransferReleasedWhenLastFragmentRemoved(t *testing.T) {
    fm := newFragmentedSendManager(zap.NewNop())
    tr := fm.AllocateNewTransfer(3)
    fm.AllocateTransferID(tr)
    msgs := []*Message{{}, {}, {}}
    for _, m := range msgs {
        tr.AddMessage(m)
    }
    for i, m := range msgs {
        fm.RemoveMessage(tr, m)
        if i < len(msgs)-1 && fm.NumTransfers() != 1 {
            t.Fatalf("transfer released early at fragment %d", i)
        }
    }
    if fm.NumTransfers() != 0 {
        t.Fatalf("transfer not released: %d left", fm.NumTransfers())
    }
}

func TestReassemblyInOrder(t *testing.T) {
    rm := newReassemblyManager()
    if done := rm.FragmentStart(7, 3, []byte("aa")); done {
        t.Fatalf("complete after first fragment")
    }
    if done, err := rm.Fragment(7, 1, []byte("bb")); err != nil || done {
        t.Fatalf("fragment 1: done=%v err=%v", done, err)
    }
    done, err := rm.Fragment(7, 2, []byte("cc"))
    if err != nil || !done {
        t.Fatalf("fragment 2: done=%v err=%v", done, err)
    }
    if got := rm.Assemble(7); !bytes.Equal(got, []byte("aabbcc")) {
        t.Fatalf("assembled %q", got)
    }
    rm.Free(7)
    if rm.NumTransfers() != 0 {
        t.Fatalf("transfer not freed")
    }
}

func TestReassemblyOutOfOrderStartLast(t *testing.T) {
    rm := newReassemblyManager()
    if done, err := rm.Fragment(3, 2, []byte("CC")); err != nil || done {
        t.Fatalf("fragment 2 first: done=%v err=%v", done, err)
    }
    if done, err := rm.Fragment(3, 1, []byte("BB")); err != nil || done {
        t.Fatalf("fragment 1: done=%v err=%v", done, err)
    }
    if done := rm.FragmentStart(3, 3, []byte("AA")); !done {
        t.Fatalf("start arriving last did not complete the transfer")
    }
    if got := rm.Assemble(3); !bytes.Equal(got, []byte("AABBCC")) {
        t.Fatalf("assembled %q", got)
    }
}

func TestReassemblyDuplicateFragmentsIgnored(t *testing.T) {
    rm := newReassemblyManager()
    rm.FragmentStart(1, 2, []byte("xx"))
    rm.FragmentStart(1, 2, []byte("SHOULD-NOT-REPLACE"))
    done, err := rm.Fragment(1, 1, []byte("yy"))
    if err != nil || !done {
        t.Fatalf("done=%v err=%v", done, err)
    }
    if got := rm.Assemble(1); !bytes.Equal(got, []byte("xxyy")) {
        t.Fatalf("assembled %q", got)
    }
}

func TestReassemblyRejectsOutOfRangeIndex(t *testing.T) {
    rm := newReassemblyManager()
    rm.FragmentStart(9, 2, []byte("a"))
    if _, err := rm.Fragment(9, 5, []byte("b")); err == nil {
        t.Fatalf("out-of-range fragment accepted")
    }
}
