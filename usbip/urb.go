package usbip

import (
	"github.com/MatthiasValvekens/usbip-server/driver"
)

// controlBufferFloor absorbs descriptor reads that return more than the
// host asked for.
const controlBufferFloor = 2048

// urb is one in-flight submission. It is owned by the sequence table; the
// host transfer carries only the seqnum, resolved back through the table
// on completion.
type urb struct {
	seqnum          uint32
	endpoint        uint32
	direction       Direction
	flags           uint32
	requestedLength uint32
	setup           [8]byte
	control         bool

	// buffer is the host transfer buffer. For control transfers the 8-byte
	// setup packet sits at offset 0.
	buffer   []byte
	transfer *driver.Transfer
	owner    *conn
	unlinked bool
}

// newURB sizes and fills the transfer buffer per the submit PDU. mps is
// the endpoint's wMaxPacketSize, used to round IN transfers up so the host
// controller never truncates a packet.
func newURB(sub *Submit, owner *conn, mps uint16) *urb {
	u := &urb{
		seqnum:          sub.Seqnum,
		endpoint:        sub.Endpoint,
		direction:       sub.Direction,
		flags:           sub.TransferFlags,
		requestedLength: sub.RequestedLength,
		setup:           sub.Setup,
		control:         sub.Endpoint == 0,
		owner:           owner,
	}
	if u.control {
		size := 8 + int(sub.RequestedLength)
		if size < controlBufferFloor {
			size = controlBufferFloor
		}
		u.buffer = make([]byte, size)
		copy(u.buffer, sub.Setup[:])
		if sub.Direction == DirOut {
			copy(u.buffer[8:], sub.Payload)
		}
	} else {
		size := int(sub.RequestedLength)
		if sub.Direction == DirIn {
			size = roundUpToMPS(size, mps)
		}
		u.buffer = make([]byte, size)
		if sub.Direction == DirOut {
			copy(u.buffer, sub.Payload)
		}
	}
	return u
}

// submitLength is what the host layer is asked to move.
func (u *urb) submitLength() int {
	if u.control {
		return 8 + int(u.requestedLength)
	}
	if u.direction == DirOut {
		return int(u.requestedLength)
	}
	return len(u.buffer)
}

// endpointAddress is the USB address byte, direction in bit 7.
func (u *urb) endpointAddress() uint8 {
	addr := uint8(u.endpoint & 0x0f)
	if u.direction == DirIn {
		addr |= 0x80
	}
	return addr
}

func roundUpToMPS(n int, mps uint16) int {
	if mps == 0 {
		return n
	}
	m := int(mps)
	return (n + m - 1) / m * m
}
