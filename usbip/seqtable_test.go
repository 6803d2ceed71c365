package usbip

import (
	"fmt"
	"testing"
)

func TestSeqTableInsertTake(t *testing.T) {
	table := newSeqTable()
	u := &urb{seqnum: 7}
	if err := table.insert(u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := table.insert(&urb{seqnum: 7}); err != ErrDuplicateSeqnum {
		t.Errorf("got %v; want duplicate error", err)
	}
	if got := table.take(7); got != u {
		t.Fatal("take returned the wrong urb")
	}
	if got := table.take(7); got != nil {
		t.Error("second take should find nothing")
	}
	if !table.containsRecent(7) {
		t.Error("taken seqnum should be recent")
	}
	// A retired seqnum stays rejected.
	if err := table.insert(&urb{seqnum: 7}); err != ErrDuplicateSeqnum {
		t.Errorf("got %v; want duplicate error", err)
	}
}

func TestSeqTableMarkUnlinked(t *testing.T) {
	table := newSeqTable()
	u := &urb{seqnum: 9}
	if err := table.insert(u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := table.markUnlinked(9)
	if got != u {
		t.Fatal("markUnlinked returned the wrong urb")
	}
	if !got.unlinked {
		t.Error("urb should be flagged unlinked")
	}
	// The late completion resolves to nothing.
	if table.take(9) != nil {
		t.Error("unlinked seqnum should be gone from the live map")
	}
	if !table.containsRecent(9) {
		t.Error("unlinked seqnum should be recent")
	}
	if table.markUnlinked(10) != nil {
		t.Error("unknown seqnum should miss")
	}
}

func TestSeqTableRecentEviction(t *testing.T) {
	table := newSeqTable()
	for i := 0; i < recentSeqnumCap+10; i++ {
		seq := uint32(i)
		if err := table.insert(&urb{seqnum: seq}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if table.take(seq) == nil {
			t.Fatalf("take %d failed", i)
		}
	}
	// The oldest entries fell out, the newest survive.
	for i := 0; i < 10; i++ {
		if table.containsRecent(uint32(i)) {
			t.Errorf("seqnum %d should have been evicted", i)
		}
	}
	for i := 10; i < recentSeqnumCap+10; i++ {
		if !table.containsRecent(uint32(i)) {
			t.Fatalf("seqnum %d should still be recent", i)
		}
	}
	if len(table.recent) != recentSeqnumCap {
		t.Errorf("recent set holds %d entries; want %d", len(table.recent), recentSeqnumCap)
	}
}

func TestSeqTableDrain(t *testing.T) {
	table := newSeqTable()
	mine, other := &conn{}, &conn{}
	for i := 0; i < 4; i++ {
		owner := mine
		if i%2 == 1 {
			owner = other
		}
		if err := table.insert(&urb{seqnum: uint32(i), owner: owner}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	drained := table.drain(mine)
	if len(drained) != 2 {
		t.Fatalf("drained %d urbs; want 2", len(drained))
	}
	for _, u := range drained {
		if u.owner != mine {
			t.Error("drained a urb owned by another connection")
		}
		if !u.unlinked {
			t.Error("drained urb should be flagged unlinked")
		}
	}
	if table.liveCount() != 2 {
		t.Errorf("%d urbs left; want 2", table.liveCount())
	}
}

func TestSeqTableRememberIdempotent(t *testing.T) {
	table := newSeqTable()
	for i := 0; i < 5; i++ {
		table.mtx.Lock()
		table.remember(1)
		table.mtx.Unlock()
	}
	if len(table.order) != 1 {
		t.Errorf("order grew to %d entries; want 1", len(table.order))
	}
}

func BenchmarkSeqTableChurn(b *testing.B) {
	table := newSeqTable()
	for i := 0; i < b.N; i++ {
		seq := uint32(i)
		if err := table.insert(&urb{seqnum: seq}); err != nil {
			b.Fatal(fmt.Sprintf("insert %d: %v", i, err))
		}
		table.take(seq)
	}
}
