package usbip

import (
	"sync"

	"github.com/efficientgo/core/errors"
)

// recentSeqnumCap bounds the idempotency filter for completed seqnums.
const recentSeqnumCap = 1000

var ErrDuplicateSeqnum = errors.New("seqnum already known")

// seqTable tracks live URBs by seqnum and remembers recently retired
// seqnums so that duplicate completions (a cancelled transfer still
// reported done by the host layer) are absorbed instead of producing a
// second RET_SUBMIT. It is shared between the network task and the
// completion task under its own mutex.
type seqTable struct {
	mtx    sync.Mutex
	live   map[uint32]*urb
	recent map[uint32]struct{}
	order  []uint32
}

func newSeqTable() *seqTable {
	return &seqTable{
		live:   make(map[uint32]*urb),
		recent: make(map[uint32]struct{}, recentSeqnumCap),
	}
}

// insert registers a live URB. A seqnum that is live or recently retired
// is rejected so at most one response is ever emitted per accepted SUBMIT.
func (t *seqTable) insert(u *urb) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.live[u.seqnum]; ok {
		return ErrDuplicateSeqnum
	}
	if _, ok := t.recent[u.seqnum]; ok {
		return ErrDuplicateSeqnum
	}
	t.live[u.seqnum] = u
	return nil
}

// take removes a live URB and records its seqnum in the recent set.
// Returns nil if the seqnum is unknown (already retired or unlinked).
func (t *seqTable) take(seqnum uint32) *urb {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	u, ok := t.live[seqnum]
	if !ok {
		return nil
	}
	delete(t.live, seqnum)
	t.remember(seqnum)
	return u
}

// markUnlinked detaches a URB ahead of cancellation. The seqnum enters the
// recent set immediately, so a late completion for it resolves to nothing.
func (t *seqTable) markUnlinked(seqnum uint32) *urb {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	u, ok := t.live[seqnum]
	if !ok {
		return nil
	}
	delete(t.live, seqnum)
	u.unlinked = true
	t.remember(seqnum)
	return u
}

func (t *seqTable) containsRecent(seqnum uint32) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	_, ok := t.recent[seqnum]
	return ok
}

// drain removes every live URB owned by the given connection, for teardown.
func (t *seqTable) drain(c *conn) []*urb {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var urbs []*urb
	for seqnum, u := range t.live {
		if u.owner != c {
			continue
		}
		delete(t.live, seqnum)
		u.unlinked = true
		t.remember(seqnum)
		urbs = append(urbs, u)
	}
	return urbs
}

func (t *seqTable) liveCount() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.live)
}

// remember records a retired seqnum, evicting the oldest entry once the
// filter is full. Callers hold t.mtx.
func (t *seqTable) remember(seqnum uint32) {
	if _, ok := t.recent[seqnum]; ok {
		return
	}
	if len(t.order) >= recentSeqnumCap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.recent, oldest)
	}
	t.order = append(t.order, seqnum)
	t.recent[seqnum] = struct{}{}
}
