package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	baseerrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

const (
	// completionQueueSize bounds the callback-to-router channel. Sized
	// well above the in-flight cap so enqueue never blocks.
	completionQueueSize = 100

	defaultMaxInFlight = 32
	writeTimeout       = 5 * time.Second
)

type Options struct {
	// MaxInFlight caps concurrently submitted URBs; SUBMITs beyond it get
	// a synthetic -ENOMEM response. Defaults to 32.
	MaxInFlight int64
}

// Server is the USB/IP protocol engine: it owns the device registry, the
// sequence table, the completion queue and the per-connection write paths.
// Nothing here is process-global; transfer callbacks reach back in through
// the seqnum carried as transfer context.
type Server struct {
	logger  log.Logger
	metrics *serverMetrics

	registry *registry
	table    *seqTable
	events   chan *driver.Transfer
	inflight *semaphore.Weighted
}

func NewServer(opts Options, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	return &Server{
		logger:   logger,
		metrics:  newServerMetrics(reg),
		registry: newRegistry(log.With(logger, "component", "registry")),
		table:    newSeqTable(),
		events:   make(chan *driver.Transfer, completionQueueSize),
		inflight: semaphore.NewWeighted(opts.MaxInFlight),
	}
}

// Attach publishes a device through the registry; pre-attach connections
// see an empty devlist and failing imports.
func (s *Server) Attach(host driver.Host) error {
	return s.registry.attach(host)
}

// Detach withdraws the device. In-flight URBs fail through the host
// layer's completion path.
func (s *Server) Detach() {
	s.registry.detach()
}

// Serve accepts USB/IP connections until the listener is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if baseerrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.metrics.connectionsTotal.Inc()
		c := &conn{Conn: nc, logger: log.With(s.logger, "remote", nc.RemoteAddr().String()), metrics: s.metrics}
		go s.handleConn(c)
	}
}

// conn wraps the accepted socket with a write mutex so RET_SUBMITs from
// the completion task and RET_UNLINKs from the network task are never
// interleaved on the wire.
type conn struct {
	net.Conn
	logger  log.Logger
	metrics *serverMetrics
	writeMu sync.Mutex
}

// writePDU sends one PDU best-effort: bounded by a deadline, short writes
// tolerated but logged, errors logged and reported so the caller can
// abandon the connection.
func (c *conn) writePDU(pdu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.Write(pdu)
	c.metrics.bytesOut.Add(float64(n))
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "send failed", "written", n, "pdu_len", len(pdu), "err", err)
		return err
	}
	if n != len(pdu) {
		_ = level.Warn(c.logger).Log("msg", "partial send", "written", n, "pdu_len", len(pdu))
	}
	return nil
}

// handleConn runs the op phase: devlist and import requests until a
// successful import hands the connection to the URB phase.
func (s *Server) handleConn(c *conn) {
	defer func() { _ = c.Close() }()
	for {
		var hdr opHeader
		if err := binary.Read(c, binary.BigEndian, &hdr); err != nil {
			if !baseerrors.Is(err, io.EOF) {
				_ = level.Debug(c.logger).Log("msg", "op phase read failed", "err", err)
			}
			return
		}
		s.metrics.bytesIn.Add(opHeaderSize)
		if hdr.Version != ProtocolVersion {
			_ = level.Warn(c.logger).Log("msg", "unexpected protocol version", "version", hdr.Version)
		}
		switch hdr.Code {
		case OpReqDevlist:
			if err := c.writePDU(EncodeDevlistReply(s.registry.device())); err != nil {
				return
			}
		case OpReqImport:
			var busID [32]byte
			if _, err := io.ReadFull(c, busID[:]); err != nil {
				_ = level.Warn(c.logger).Log("msg", "short import request", "err", err)
				return
			}
			s.metrics.bytesIn.Add(32)
			name := string(bytes.TrimRight(busID[:], "\x00"))
			dev, status := s.registry.importDevice(name)
			if err := c.writePDU(EncodeImportReply(dev, status)); err != nil {
				return
			}
			if status != 0 {
				_ = level.Info(c.logger).Log("msg", "import rejected", "busid", name)
				continue
			}
			_ = level.Info(c.logger).Log("msg", "device imported", "busid", name)
			s.urbPhase(c)
			return
		default:
			_ = level.Warn(c.logger).Log("msg", "unknown op code", "code", hdr.Code)
		}
	}
}

// urbPhase pumps the socket through the dispatcher until the connection
// dies, then unlinks and cancels everything it still owns.
func (s *Server) urbPhase(c *conn) {
	defer s.teardown(c)
	var pending []byte
	buf := make([]byte, 16*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			s.metrics.bytesIn.Add(float64(n))
			pending = append(pending, buf[:n]...)
			rest, cerr := s.consume(c, pending)
			if cerr != nil {
				_ = level.Error(c.logger).Log("msg", "closing connection", "err", cerr)
				return
			}
			// Carry partial trailing bytes over to the next read.
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			if !baseerrors.Is(err, io.EOF) {
				_ = level.Debug(c.logger).Log("msg", "urb phase read failed", "err", err)
			}
			return
		}
	}
}

// teardown detaches every live URB owned by the connection and requests
// cancellation; their completions resolve to nothing via the recent set.
func (s *Server) teardown(c *conn) {
	urbs := s.table.drain(c)
	host := s.registry.hostDriver()
	for _, u := range urbs {
		if host != nil && u.transfer != nil {
			_ = host.Cancel(u.transfer)
		}
		s.inflight.Release(1)
	}
	s.metrics.urbsInFlight.Set(float64(s.table.liveCount()))
	if len(urbs) > 0 {
		_ = level.Info(c.logger).Log("msg", "connection teardown", "cancelled_urbs", len(urbs))
	}
}

// RunCompletionRouter is the sole consumer of the completion queue. It
// runs on its own task until ctx is cancelled.
func (s *Server) RunCompletionRouter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.events:
			s.routeCompletion(t)
		}
	}
}

// postCompletion is the transfer callback. It runs on the host driver's
// reaper and must only enqueue.
func (s *Server) postCompletion(t *driver.Transfer) {
	select {
	case s.events <- t:
	default:
		s.metrics.droppedCompletions.Inc()
	}
}
