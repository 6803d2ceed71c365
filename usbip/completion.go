package usbip

import (
	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/go-kit/log/level"
)

// routeCompletion turns one host transfer completion into a RET_SUBMIT.
// Unknown seqnums (unlinked URBs, duplicate completions, torn-down
// connections) resolve to nothing and the transfer is simply released.
func (s *Server) routeCompletion(t *driver.Transfer) {
	seqnum, ok := t.Context.(uint32)
	if !ok {
		_ = level.Error(s.logger).Log("msg", "completion without seqnum context")
		return
	}
	u := s.table.take(seqnum)
	if u == nil {
		_ = level.Debug(s.logger).Log("msg", "dropping completion for unknown seqnum", "seqnum", seqnum)
		return
	}
	s.inflight.Release(1)
	s.metrics.urbsInFlight.Set(float64(s.table.liveCount()))
	s.metrics.completionsTotal.Inc()

	pdu := buildRetSubmit(u, t)
	if err := u.owner.writePDU(pdu); err != nil {
		// Abandon the connection; its read loop will fail and tear down
		// the remaining URBs.
		_ = level.Warn(s.logger).Log("msg", "failed to emit ret_submit, abandoning connection", "seqnum", seqnum, "err", err)
		_ = u.owner.Close()
	}
	// Drop the buffer references; the URB is retired either way.
	u.buffer = nil
	u.transfer = nil
}

// buildRetSubmit maps the transfer outcome onto the wire: success carries
// the IN payload (control transfers shed the 8-byte setup echo), stalls
// report -EPIPE and everything else -ETIME, both with error_count 1.
func buildRetSubmit(u *urb, t *driver.Transfer) []byte {
	if t.Status != driver.StatusCompleted {
		status := StatusETIME
		if t.Status == driver.StatusStall {
			status = StatusEPIPE
		}
		return EncodeRetSubmit(u.seqnum, status, nil, 1)
	}

	var payload []byte
	if u.direction == DirIn {
		if u.control {
			n := min(t.ActualLength-8, len(t.Buffer)-8)
			if n < 0 {
				n = 0
			}
			payload = t.Buffer[8 : 8+n]
		} else {
			payload = t.Buffer[:min(t.ActualLength, len(t.Buffer))]
		}
	}
	return EncodeRetSubmit(u.seqnum, StatusOK, payload, 0)
}
