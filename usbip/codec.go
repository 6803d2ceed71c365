package usbip

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

var (
	// ErrMalformedHeader marks a PDU whose header fails validation. When
	// ParseSubmit returns it together with a non-zero length, the stream
	// framing is still intact and the caller may skip the PDU.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrShortPayload means the buffer does not yet hold the whole PDU.
	ErrShortPayload = errors.New("short payload")
)

// DecodeOpHeader decodes the 8-byte op-phase header. Versions other than
// ProtocolVersion decode fine; version policy is up to the caller.
func DecodeOpHeader(buf []byte) (version uint16, code uint16, status uint32, err error) {
	if len(buf) < opHeaderSize {
		return 0, 0, 0, ErrMalformedHeader
	}
	return binary.BigEndian.Uint16(buf[0:2]),
		binary.BigEndian.Uint16(buf[2:4]),
		binary.BigEndian.Uint32(buf[4:8]),
		nil
}

// ParseSubmit decodes one CMD_SUBMIT from the front of buf and reports how
// many bytes it occupies on the wire: 48 for the header plus, for OUT
// transfers only, the declared transfer_buffer_length. The stream advances
// strictly by these header-declared sizes, never by what was handed to the
// host layer.
func ParseSubmit(buf []byte) (*Submit, int, error) {
	if len(buf) < urbHeaderSize {
		return nil, 0, ErrShortPayload
	}
	var hdr urbHeader
	var body submitBody
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, ErrMalformedHeader
	}
	if err := binary.Read(r, binary.BigEndian, &body); err != nil {
		return nil, 0, ErrMalformedHeader
	}
	if body.TransferBufferLength > MaxURBPayload {
		// Framing is unrecoverable: the declared payload is not trusted.
		return nil, 0, errors.Wrapf(ErrMalformedHeader, "transfer_buffer_length %d exceeds cap", body.TransferBufferLength)
	}
	if hdr.Direction != uint32(DirOut) && hdr.Direction != uint32(DirIn) {
		// Only OUT PDUs carry a payload, so an unknown direction is framed
		// as a bare header.
		return nil, urbHeaderSize, errors.Wrapf(ErrMalformedHeader, "direction %d invalid", hdr.Direction)
	}
	size := urbHeaderSize
	if Direction(hdr.Direction) == DirOut {
		size += int(body.TransferBufferLength)
	}
	if len(buf) < size {
		return nil, 0, ErrShortPayload
	}
	if hdr.Endpoint > 15 {
		return nil, size, errors.Wrapf(ErrMalformedHeader, "endpoint %d out of range", hdr.Endpoint)
	}
	sub := &Submit{
		Seqnum:          hdr.Seqnum,
		DevID:           hdr.DevID,
		Direction:       Direction(hdr.Direction),
		Endpoint:        hdr.Endpoint,
		TransferFlags:   body.TransferFlags,
		RequestedLength: body.TransferBufferLength,
		StartFrame:      body.StartFrame,
		NumberOfPackets: body.NumberOfPackets,
		Interval:        body.Interval,
		Setup:           body.Setup,
	}
	if sub.Direction == DirOut {
		sub.Payload = buf[urbHeaderSize:size]
	}
	return sub, size, nil
}

// ParseUnlink decodes one CMD_UNLINK; always 48 bytes on the wire.
func ParseUnlink(buf []byte) (*Unlink, int, error) {
	if len(buf) < urbHeaderSize {
		return nil, 0, ErrShortPayload
	}
	var hdr urbHeader
	var body unlinkBody
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, ErrMalformedHeader
	}
	if err := binary.Read(r, binary.BigEndian, &body); err != nil {
		return nil, 0, ErrMalformedHeader
	}
	return &Unlink{Seqnum: hdr.Seqnum, TargetSeqnum: body.TargetSeqnum}, urbHeaderSize, nil
}

// EncodeRetSubmit builds a RET_SUBMIT PDU. The payload is appended as-is;
// error responses carry none. errorCount is 1 for failed transfers.
func EncodeRetSubmit(seqnum uint32, status int32, payload []byte, errorCount int32) []byte {
	var out bytes.Buffer
	out.Grow(urbHeaderSize + len(payload))
	_ = binary.Write(&out, binary.BigEndian, urbHeader{Command: ReturnSubmit, Seqnum: seqnum})
	_ = binary.Write(&out, binary.BigEndian, retSubmitBody{
		Status:       status,
		ActualLength: int32(len(payload)),
		ErrorCount:   errorCount,
	})
	out.Write(payload)
	return out.Bytes()
}

// EncodeRetUnlink builds a RET_UNLINK PDU echoing the UNLINK's own seqnum.
func EncodeRetUnlink(seqnum uint32, status int32) []byte {
	var out bytes.Buffer
	out.Grow(urbHeaderSize)
	_ = binary.Write(&out, binary.BigEndian, urbHeader{Command: ReturnUnlink, Seqnum: seqnum})
	_ = binary.Write(&out, binary.BigEndian, retUnlinkBody{Status: status})
	return out.Bytes()
}

// EncodeDevlistReply builds OP_REP_DEVLIST for zero or one exported device.
func EncodeDevlistReply(dev *Device) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, opHeader{Version: ProtocolVersion, Code: OpRepDevlist})
	if dev == nil {
		_ = binary.Write(&out, binary.BigEndian, uint32(0))
		return out.Bytes()
	}
	_ = binary.Write(&out, binary.BigEndian, uint32(1))
	_ = binary.Write(&out, binary.BigEndian, dev.wireBlock())
	for _, intf := range dev.Interfaces {
		_ = binary.Write(&out, binary.BigEndian, interfaceBlock{
			InterfaceClass:    intf.Class,
			InterfaceSubClass: intf.SubClass,
			InterfaceProtocol: intf.Protocol,
		})
	}
	return out.Bytes()
}

// EncodeImportReply builds OP_REP_IMPORT. A non-zero status yields the bare
// 8-byte header with no device block, matching usbipd behaviour.
func EncodeImportReply(dev *Device, status uint32) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, opHeader{Version: ProtocolVersion, Code: OpRepImport, Status: status})
	if status != 0 || dev == nil {
		return out.Bytes()
	}
	_ = binary.Write(&out, binary.BigEndian, dev.wireBlock())
	return out.Bytes()
}
