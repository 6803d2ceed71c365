package usbip

import (
	"bytes"
	"encoding/binary"
	baseerrors "errors"
	"testing"
)

func testDevice() *Device {
	dev := &Device{
		BusNum:             1,
		DevNum:             1,
		Speed:              2,
		Vendor:             0x1234,
		Product:            0x5678,
		BCDDevice:          0x0100,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Interfaces: []Interface{
			{Class: 0x03, SubClass: 0x00, Protocol: 0x00, Claimed: true},
		},
	}
	dev.endpoints[1][DirOut] = &Endpoint{Address: 0x01, Attributes: 0x02, MaxPacketSize: 64}
	dev.endpoints[1][DirIn] = &Endpoint{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64}
	dev.endpoints[2][DirIn] = &Endpoint{Address: 0x82, Attributes: 0x03, MaxPacketSize: 8}
	return dev
}

func submitPDU(seqnum, ep uint32, dir Direction, length uint32, setup [8]byte, payload []byte, packets uint32) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, urbHeader{
		Command:   CommandSubmit,
		Seqnum:    seqnum,
		Direction: uint32(dir),
		Endpoint:  ep,
	})
	_ = binary.Write(&out, binary.BigEndian, submitBody{
		TransferBufferLength: length,
		NumberOfPackets:      packets,
		Setup:                setup,
	})
	out.Write(payload)
	return out.Bytes()
}

func unlinkPDU(seqnum, target uint32) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, urbHeader{Command: CommandUnlink, Seqnum: seqnum})
	_ = binary.Write(&out, binary.BigEndian, unlinkBody{TargetSeqnum: target})
	return out.Bytes()
}

func TestDecodeOpHeader(t *testing.T) {
	version, code, status, err := DecodeOpHeader([]byte{0x01, 0x11, 0x80, 0x05, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != ProtocolVersion || code != OpReqDevlist || status != 0 {
		t.Errorf("got (%#x, %#x, %d)", version, code, status)
	}

	// Foreign versions still decode; policy is the caller's.
	version, _, _, err = DecodeOpHeader([]byte{0x01, 0x06, 0x80, 0x03, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0x0106 {
		t.Errorf("got version %#x; want 0x0106", version)
	}

	if _, _, _, err := DecodeOpHeader([]byte{0x01}); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestParseSubmit(t *testing.T) {
	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	for _, tc := range []struct {
		name     string
		buf      []byte
		wantSize int
		wantErr  error
	}{
		{
			name:     "control in",
			buf:      submitPDU(0x100, 0, DirIn, 18, setup, nil, 0),
			wantSize: 48,
		},
		{
			name:     "bulk out with payload",
			buf:      submitPDU(0x200, 1, DirOut, 64, [8]byte{}, make([]byte, 64), 0),
			wantSize: 112,
		},
		{
			name:    "short header",
			buf:     submitPDU(0x100, 0, DirIn, 18, setup, nil, 0)[:20],
			wantErr: ErrShortPayload,
		},
		{
			name:    "out payload not yet arrived",
			buf:     submitPDU(0x200, 1, DirOut, 64, [8]byte{}, make([]byte, 64), 0)[:80],
			wantErr: ErrShortPayload,
		},
		{
			name:     "endpoint out of range",
			buf:      submitPDU(0x300, 16, DirIn, 8, [8]byte{}, nil, 0),
			wantSize: 48,
			wantErr:  ErrMalformedHeader,
		},
		{
			name:     "invalid direction",
			buf:      submitPDU(0x300, 1, Direction(7), 8, [8]byte{}, nil, 0),
			wantSize: 48,
			wantErr:  ErrMalformedHeader,
		},
		{
			name:    "payload above cap",
			buf:     submitPDU(0x300, 1, DirOut, MaxURBPayload+1, [8]byte{}, nil, 0),
			wantErr: ErrMalformedHeader,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sub, size, err := ParseSubmit(tc.buf)
			if tc.wantErr != nil {
				if !baseerrors.Is(err, tc.wantErr) {
					t.Fatalf("got error %v; want %v", err, tc.wantErr)
				}
				if tc.wantSize != 0 && size != tc.wantSize {
					t.Errorf("got size %d; want %d", size, tc.wantSize)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if size != tc.wantSize {
				t.Errorf("got size %d; want %d", size, tc.wantSize)
			}
			if sub == nil {
				t.Fatal("expected a submit")
			}
		})
	}
}

func TestParseSubmitRoundTrip(t *testing.T) {
	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	sub, size, err := ParseSubmit(submitPDU(42, 1, DirOut, 4, setup, payload, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 52 {
		t.Errorf("got size %d; want 52", size)
	}
	if sub.Seqnum != 42 || sub.Endpoint != 1 || sub.Direction != DirOut || sub.RequestedLength != 4 {
		t.Errorf("unexpected fields: %+v", sub)
	}
	if sub.Setup != setup {
		t.Errorf("got setup %x; want %x", sub.Setup, setup)
	}
	if !bytes.Equal(sub.Payload, payload) {
		t.Errorf("got payload %x; want %x", sub.Payload, payload)
	}
}

func TestParseUnlink(t *testing.T) {
	unl, size, err := ParseUnlink(unlinkPDU(0x301, 0x300))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 48 {
		t.Errorf("got size %d; want 48", size)
	}
	if unl.Seqnum != 0x301 || unl.TargetSeqnum != 0x300 {
		t.Errorf("unexpected fields: %+v", unl)
	}

	if _, _, err := ParseUnlink(make([]byte, 40)); !baseerrors.Is(err, ErrShortPayload) {
		t.Errorf("got error %v; want short payload", err)
	}
}

func TestEncodeRetSubmit(t *testing.T) {
	payload := make([]byte, 18)
	payload[0] = 0x12
	pdu := EncodeRetSubmit(0x100, StatusOK, payload, 0)
	if len(pdu) != 66 {
		t.Fatalf("got %d bytes; want 66", len(pdu))
	}
	if cmd := binary.BigEndian.Uint32(pdu[0:4]); cmd != ReturnSubmit {
		t.Errorf("got command %#x; want %#x", cmd, ReturnSubmit)
	}
	if seq := binary.BigEndian.Uint32(pdu[4:8]); seq != 0x100 {
		t.Errorf("got seqnum %#x; want 0x100", seq)
	}
	if status := int32(binary.BigEndian.Uint32(pdu[20:24])); status != StatusOK {
		t.Errorf("got status %d; want 0", status)
	}
	if actual := binary.BigEndian.Uint32(pdu[24:28]); actual != 18 {
		t.Errorf("got actual_length %d; want 18", actual)
	}
	if !bytes.Equal(pdu[48:], payload) {
		t.Error("payload mismatch")
	}

	pdu = EncodeRetSubmit(0x200, StatusETIME, nil, 1)
	if len(pdu) != 48 {
		t.Fatalf("got %d bytes; want 48", len(pdu))
	}
	if status := int32(binary.BigEndian.Uint32(pdu[20:24])); status != StatusETIME {
		t.Errorf("got status %d; want %d", status, StatusETIME)
	}
	if ec := binary.BigEndian.Uint32(pdu[36:40]); ec != 1 {
		t.Errorf("got error_count %d; want 1", ec)
	}
}

func TestEncodeRetUnlink(t *testing.T) {
	pdu := EncodeRetUnlink(0x301, StatusENOENT)
	if len(pdu) != 48 {
		t.Fatalf("got %d bytes; want 48", len(pdu))
	}
	if cmd := binary.BigEndian.Uint32(pdu[0:4]); cmd != ReturnUnlink {
		t.Errorf("got command %#x; want %#x", cmd, ReturnUnlink)
	}
	if seq := binary.BigEndian.Uint32(pdu[4:8]); seq != 0x301 {
		t.Errorf("got seqnum %#x; want 0x301", seq)
	}
	if status := int32(binary.BigEndian.Uint32(pdu[20:24])); status != StatusENOENT {
		t.Errorf("got status %d; want %d", status, StatusENOENT)
	}
}

func TestEncodeDevlistReplyEmpty(t *testing.T) {
	want := []byte{0x01, 0x11, 0x00, 0x05, 0, 0, 0, 0, 0, 0, 0, 0}
	if got := EncodeDevlistReply(nil); !bytes.Equal(got, want) {
		t.Errorf("got % x; want % x", got, want)
	}
}

func TestEncodeDevlistReplyOneDevice(t *testing.T) {
	pdu := EncodeDevlistReply(testDevice())
	// 12-byte header, 312-byte device block, one 4-byte interface entry.
	if len(pdu) != 328 {
		t.Fatalf("got %d bytes; want 328", len(pdu))
	}
	if count := binary.BigEndian.Uint32(pdu[8:12]); count != 1 {
		t.Errorf("got device count %d; want 1", count)
	}
	if !bytes.HasPrefix(pdu[12:], []byte(ExportedPath)) {
		t.Error("path field mismatch")
	}
	if !bytes.HasPrefix(pdu[12+256:], []byte(ExportedBusID)) {
		t.Error("busid field mismatch")
	}
	if pdu[312] != 0x12 || pdu[313] != 0x34 {
		t.Errorf("idVendor reads % x; want 12 34", pdu[312:314])
	}
	if pdu[314] != 0x56 || pdu[315] != 0x78 {
		t.Errorf("idProduct reads % x; want 56 78", pdu[314:316])
	}
	if got := pdu[324:328]; !bytes.Equal(got, []byte{0x03, 0x00, 0x00, 0x00}) {
		t.Errorf("interface entry reads % x", got)
	}
}

func TestEncodeImportReply(t *testing.T) {
	pdu := EncodeImportReply(testDevice(), 0)
	if len(pdu) != 320 {
		t.Fatalf("got %d bytes; want 320", len(pdu))
	}
	if status := binary.BigEndian.Uint32(pdu[4:8]); status != 0 {
		t.Errorf("got status %d; want 0", status)
	}
	if code := binary.BigEndian.Uint16(pdu[2:4]); code != OpRepImport {
		t.Errorf("got code %#x; want %#x", code, OpRepImport)
	}

	pdu = EncodeImportReply(nil, 1)
	if len(pdu) != 8 {
		t.Fatalf("got %d bytes; want bare header", len(pdu))
	}
	if status := binary.BigEndian.Uint32(pdu[4:8]); status != 1 {
		t.Errorf("got status %d; want 1", status)
	}
}
