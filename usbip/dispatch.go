package usbip

import (
	"encoding/binary"
	baseerrors "errors"

	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/go-kit/log/level"
)

// consume parses as many complete PDUs as pending holds and dispatches
// them in order, returning the leftover bytes. A non-nil error means the
// stream framing is lost and the connection must be closed.
func (s *Server) consume(c *conn, pending []byte) ([]byte, error) {
	for len(pending) >= urbHeaderSize {
		command := binary.BigEndian.Uint32(pending[0:4])
		switch command {
		case CommandSubmit:
			sub, size, err := ParseSubmit(pending)
			if err != nil {
				if baseerrors.Is(err, ErrShortPayload) {
					return pending, nil
				}
				if size == 0 {
					return nil, err
				}
				_ = level.Warn(c.logger).Log("msg", "dropping malformed submit", "err", err)
				pending = pending[size:]
				continue
			}
			s.handleSubmit(c, sub)
			pending = pending[size:]
		case CommandUnlink:
			unl, size, err := ParseUnlink(pending)
			if err != nil {
				return pending, nil
			}
			s.handleUnlink(c, unl)
			pending = pending[size:]
		default:
			_ = level.Warn(c.logger).Log("msg", "unknown urb command", "command", command)
			pending = pending[urbHeaderSize:]
		}
	}
	return pending, nil
}

// handleSubmit implements the dispatch pipeline: duplicate check, URB
// allocation, table insert, host submit. Failures synthesize an immediate
// RET_SUBMIT so the client can always match by seqnum.
func (s *Server) handleSubmit(c *conn, sub *Submit) {
	// Duplicate SUBMITs are dropped without a response; the original's
	// completion is the only one the client will see.
	if s.table.containsRecent(sub.Seqnum) {
		_ = level.Debug(c.logger).Log("msg", "dropping duplicate submit", "seqnum", sub.Seqnum)
		return
	}

	if sub.NumberOfPackets > 0 {
		_ = level.Warn(c.logger).Log("msg", "rejecting isochronous submit", "seqnum", sub.Seqnum)
		s.synthesize(c, sub.Seqnum, StatusEOPNOTSUPP, "iso")
		return
	}

	dev := s.registry.device()
	host := s.registry.hostDriver()
	if dev == nil || host == nil {
		s.synthesize(c, sub.Seqnum, StatusENODEV, "no_device")
		return
	}

	var mps uint16
	if sub.Endpoint != 0 {
		ep := dev.Endpoint(sub.Endpoint, sub.Direction)
		if ep == nil {
			_ = level.Warn(c.logger).Log("msg", "submit to unknown endpoint", "ep", sub.Endpoint, "direction", sub.Direction)
			s.synthesize(c, sub.Seqnum, StatusEPIPE, "no_endpoint")
			return
		}
		mps = ep.MaxPacketSize
	}

	if !s.inflight.TryAcquire(1) {
		_ = level.Warn(c.logger).Log("msg", "in-flight urb cap reached", "seqnum", sub.Seqnum)
		s.synthesize(c, sub.Seqnum, StatusENOMEM, "inflight_cap")
		return
	}

	u := newURB(sub, c, mps)
	if err := s.table.insert(u); err != nil {
		// The seqnum is still live (a duplicate of an in-flight SUBMIT);
		// drop silently like the recent check above.
		s.inflight.Release(1)
		_ = level.Debug(c.logger).Log("msg", "dropping duplicate submit", "seqnum", sub.Seqnum)
		return
	}

	u.transfer = &driver.Transfer{
		Endpoint: u.endpointAddress(),
		Buffer:   u.buffer[:u.submitLength()],
		Context:  u.seqnum,
		Callback: s.postCompletion,
	}

	var err error
	if u.control {
		err = host.SubmitControl(u.transfer)
	} else {
		u.transfer.Type = transferTypeFor(dev, sub)
		err = host.Submit(u.transfer)
	}
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "host rejected submit", "seqnum", u.seqnum, "ep", sub.Endpoint, "err", err)
		s.table.take(u.seqnum)
		s.inflight.Release(1)
		s.synthesize(c, u.seqnum, StatusEPIPE, "submit_failed")
		return
	}
	s.metrics.submitsTotal.Inc()
	s.metrics.urbsInFlight.Set(float64(s.table.liveCount()))
}

// handleUnlink detaches the target URB and asks the host layer to cancel
// it. The reply always goes out immediately and echoes the UNLINK's own
// seqnum, not the target's.
func (s *Server) handleUnlink(c *conn, unl *Unlink) {
	s.metrics.unlinksTotal.Inc()
	status := StatusENOENT
	if u := s.table.markUnlinked(unl.TargetSeqnum); u != nil {
		status = StatusOK
		if host := s.registry.hostDriver(); host != nil && u.transfer != nil {
			if err := host.Cancel(u.transfer); err != nil {
				_ = level.Debug(c.logger).Log("msg", "cancel request failed", "seqnum", unl.TargetSeqnum, "err", err)
			}
		}
		s.inflight.Release(1)
		s.metrics.urbsInFlight.Set(float64(s.table.liveCount()))
	}
	_ = level.Debug(c.logger).Log("msg", "unlink", "seqnum", unl.Seqnum, "target", unl.TargetSeqnum, "status", status)
	_ = c.writePDU(EncodeRetUnlink(unl.Seqnum, status))
}

// synthesize emits an error RET_SUBMIT without touching the host layer.
func (s *Server) synthesize(c *conn, seqnum uint32, status int32, reason string) {
	s.metrics.syntheticErrors.WithLabelValues(reason).Inc()
	_ = c.writePDU(EncodeRetSubmit(seqnum, status, nil, 0))
}

// transferTypeFor derives the host transfer type from the endpoint's
// attributes; bulk when the descriptor is silent.
func transferTypeFor(dev *Device, sub *Submit) driver.TransferType {
	ep := dev.Endpoint(sub.Endpoint, sub.Direction)
	if ep != nil && ep.Attributes&0x03 == 0x03 {
		return driver.TransferInterrupt
	}
	return driver.TransferBulk
}
